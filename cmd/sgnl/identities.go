package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/gwillem/signal-store/internal/protocol"
)

type identitiesCommand struct {
	Args struct {
		Identifier string `positional-arg-name:"identifier" description:"Only list keys of this recipient"`
	} `positional-args:"true"`
}

func (cmd *identitiesCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cmd.Args.Identifier != "" {
		r, err := a.Directory().ResolveIdentifier(ctx, cmd.Args.Identifier)
		if err != nil {
			return err
		}
		ids, err := a.Trust().Identities(ctx, r)
		if err != nil {
			return err
		}
		fmt.Printf("Identity keys of %s (%d, current first):\n", r, len(ids))
		for _, id := range ids {
			fmt.Printf("  %s  %-18s added=%s\n", id.Key.Fingerprint(), id.TrustLevel, id.AddedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	all, err := a.Trust().AllIdentities(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Identity keys (%d):\n", len(all))
	for _, id := range all {
		fmt.Printf("  #%-5d %-16s %s  %-18s added=%s\n",
			id.RecipientID, id.PhoneNumber, id.Key.Fingerprint(), id.TrustLevel, id.AddedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

type trustCommand struct {
	Level string `short:"l" long:"level" default:"TRUSTED_VERIFIED" choice:"UNTRUSTED" choice:"TRUSTED_UNVERIFIED" choice:"TRUSTED_VERIFIED" description:"Trust level to set"`
	Args  struct {
		Identifier string `positional-arg-name:"identifier" required:"true" description:"Phone number (+...) or protocol ID"`
		Key        string `positional-arg-name:"key" required:"true" description:"Identity key fingerprint (hex) as shown by identities"`
	} `positional-args:"true" required:"true"`
}

func (cmd *trustCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	level, err := protocol.ParseTrustLevel(cmd.Level)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(cmd.Args.Key, " ", ""))
	if err != nil {
		return fmt.Errorf("invalid key fingerprint: %w", err)
	}
	key, err := protocol.ParseIdentityKey(raw)
	if err != nil {
		return err
	}

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	r, err := a.Directory().ResolveIdentifier(ctx, cmd.Args.Identifier)
	if err != nil {
		return err
	}
	if err := a.Trust().SetTrust(ctx, r, key, level); err != nil {
		return err
	}
	fmt.Printf("Set %s for %s\n", level, r)
	return nil
}

type trustAllKeysCommand struct{}

func (cmd *trustAllKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc, a, err := loadAccount(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := a.Trust().TrustAllKeys(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Trusted %d keys\n", n)
	return nil
}
