package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/recipient"
)

type resolveCommand struct {
	Args struct {
		Identifier string `positional-arg-name:"identifier" required:"true" description:"Phone number (+...) or protocol ID"`
	} `positional-args:"true" required:"true"`
}

func (cmd *resolveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	r, err := a.Directory().ResolveIdentifier(ctx, cmd.Args.Identifier)
	if errors.Is(err, recipient.ErrUnregistered) {
		return fmt.Errorf("%s is not registered", cmd.Args.Identifier)
	}
	if err != nil {
		return err
	}
	printRecipient(r)
	return nil
}

type recipientsCommand struct{}

func (cmd *recipientsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	rs, err := a.Directory().List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recipients (%d):\n", len(rs))
	for _, r := range rs {
		printRecipient(r)
	}
	return nil
}

func printRecipient(r *recipient.Recipient) {
	pid, number := "-", "-"
	if r.ProtocolID != uuid.Nil {
		pid = r.ProtocolID.String()
	}
	if r.PhoneNumber != "" {
		number = r.PhoneNumber
	}
	fmt.Printf("  #%-5d %-36s %-16s registered=%v\n", r.ID, pid, number, r.Registered)
}
