// Command sgnl administers a signal-store database.
//
// Usage:
//
//	sgnl create-account <number>          Create a local account
//	sgnl accounts                         List local accounts
//	sgnl -a <account> resolve <id>        Resolve a phone number or protocol ID
//	sgnl -a <account> identities          List stored identity keys
//	sgnl -a <account> trust <id> <key>    Set the trust level of a key
//	sgnl -a <account> reset-session <id>  Archive sessions with a recipient
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"

	signalstore "github.com/gwillem/signal-store"
	"github.com/gwillem/signal-store/internal/config"
)

type globalOpts struct {
	Config   string `short:"c" long:"config" description:"Path to YAML config file"`
	DB       string `long:"db" description:"Path to SQLite database file"`
	Postgres string `long:"postgres" description:"PostgreSQL connection string (overrides --db)"`
	Account  string `short:"a" long:"account" description:"Account to use: account ID or phone number (e.g. +1234567890)"`
	Verbose  bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	CreateAccount createAccountCommand `command:"create-account" description:"Create a local account"`
	DeleteAccount deleteAccountCommand `command:"delete-account" description:"Delete an account and all of its data"`
	Accounts      accountsCommand      `command:"accounts" description:"List local accounts"`
	Resolve       resolveCommand       `command:"resolve" description:"Resolve a phone number or protocol ID to a recipient"`
	Recipients    recipientsCommand    `command:"recipients" description:"List known recipients"`
	Identities    identitiesCommand    `command:"identities" description:"List stored identity keys"`
	Trust         trustCommand         `command:"trust" description:"Set the trust level of an identity key"`
	TrustAllKeys  trustAllKeysCommand  `command:"trust-all-keys" description:"Trust every untrusted identity key"`
	Sessions      sessionsCommand      `command:"sessions" description:"List active sessions"`
	ResetSession  resetSessionCommand  `command:"reset-session" description:"Archive all sessions with a recipient"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func serviceOpts() ([]signalstore.Option, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if opts.Verbose || cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sopts := []signalstore.Option{signalstore.WithLogger(logger), signalstore.WithConfig(cfg)}
	if opts.DB != "" {
		sopts = append(sopts, signalstore.WithDBPath(opts.DB))
	}
	if opts.Postgres != "" {
		sopts = append(sopts, signalstore.WithPostgres(opts.Postgres))
	}
	return sopts, nil
}

func loadService() (*signalstore.Service, error) {
	sopts, err := serviceOpts()
	if err != nil {
		return nil, err
	}
	return signalstore.New(sopts...)
}

// loadAccount opens the service and the account selected with --account.
// With a single stored account the flag may be omitted.
func loadAccount(ctx context.Context) (*signalstore.Service, *signalstore.Account, error) {
	svc, err := loadService()
	if err != nil {
		return nil, nil, err
	}
	id, err := selectAccount(ctx, svc, opts.Account)
	if err != nil {
		svc.Close()
		return nil, nil, err
	}
	a, err := svc.Account(ctx, id)
	if err != nil {
		svc.Close()
		return nil, nil, err
	}
	return svc, a, nil
}

func selectAccount(ctx context.Context, svc *signalstore.Service, sel string) (uuid.UUID, error) {
	if id, err := uuid.Parse(sel); err == nil {
		return id, nil
	}
	infos, err := svc.Accounts(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if sel == "" {
		switch len(infos) {
		case 0:
			return uuid.Nil, fmt.Errorf("no accounts; run create-account first")
		case 1:
			return infos[0].ID, nil
		default:
			return uuid.Nil, fmt.Errorf("multiple accounts; select one with --account")
		}
	}
	if !strings.HasPrefix(sel, "+") {
		return uuid.Nil, fmt.Errorf("invalid account %q: want an account ID or phone number", sel)
	}
	for _, info := range infos {
		if info.Number == sel {
			return info.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("no account for %s", sel)
}
