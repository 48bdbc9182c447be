package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"

	signalstore "github.com/gwillem/signal-store"
)

type createAccountCommand struct {
	ID   string `long:"id" description:"Account ID assigned by the service (random if omitted)"`
	Args struct {
		Number string `positional-arg-name:"number" required:"true" description:"Phone number in E.164 format"`
	} `positional-args:"true" required:"true"`
}

func (cmd *createAccountCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	reg := signalstore.Registration{Number: cmd.Args.Number}
	if cmd.ID != "" {
		id, err := uuid.Parse(cmd.ID)
		if err != nil {
			return fmt.Errorf("invalid account ID: %w", err)
		}
		reg.AccountID = id
	}

	svc, err := loadService()
	if err != nil {
		return err
	}
	defer svc.Close()

	a, err := svc.CreateAccount(ctx, reg)
	if err != nil {
		return err
	}
	kp, err := a.GetIdentityKeyPair(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Created account %s (%s)\n", a.ID(), a.Number())
	fmt.Printf("  Identity key: %s\n", kp.Public.Fingerprint())
	return nil
}

type deleteAccountCommand struct{}

func (cmd *deleteAccountCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.DeleteAccount(ctx, a.ID()); err != nil {
		return err
	}
	fmt.Printf("Deleted account %s (%s)\n", a.ID(), a.Number())
	return nil
}

type accountsCommand struct{}

func (cmd *accountsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, err := loadService()
	if err != nil {
		return err
	}
	defer svc.Close()

	infos, err := svc.Accounts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Accounts (%d):\n", len(infos))
	for _, info := range infos {
		fmt.Printf("  %s  %-16s registration=%d created=%s\n",
			info.ID, info.Number, info.RegistrationID, info.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
