package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sessionsCommand struct{}

func (cmd *sessionsCommand) Execute(args []string) error {
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
	addrs, err := a.Sessions().ListActiveAddresses(ctx, rs)
	if err != nil {
		return err
	}
	fmt.Printf("Active sessions (%d):\n", len(addrs))
	for _, addr := range addrs {
		fmt.Printf("  %s\n", addr)
	}
	return nil
}

type resetSessionCommand struct {
	Args struct {
		Identifier string `positional-arg-name:"identifier" required:"true" description:"Phone number (+...) or protocol ID"`
	} `positional-args:"true" required:"true"`
}

func (cmd *resetSessionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	r, err := a.ResetSession(ctx, cmd.Args.Identifier)
	if err != nil {
		return err
	}
	fmt.Printf("Archived sessions with %s\n", r)
	return nil
}
