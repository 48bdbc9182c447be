// Package signalstore is the persistence layer of a Signal daemon. It maps
// phone numbers and protocol IDs to stable recipients, tracks identity keys
// and their trust, and keeps sessions and sender key distribution state
// consistent with both.
package signalstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/account"
	"github.com/gwillem/signal-store/internal/config"
	"github.com/gwillem/signal-store/internal/discovery"
	"github.com/gwillem/signal-store/internal/identity"
	"github.com/gwillem/signal-store/internal/recipient"
	"github.com/gwillem/signal-store/internal/store"
)

var _ recipient.Discovery = (*discovery.Client)(nil)

// Account is an opened local account.
type Account = account.Account

// AccountInfo describes a stored account.
type AccountInfo = account.Info

// Registration holds what the network assigned to a new account.
type Registration = account.Registration

// Service owns the store and the accounts in it.
type Service struct {
	storeConfig      store.Config
	discovery        recipient.Discovery
	discoveryTimeout time.Duration
	trustNewKeys     bool
	trustAllOnStart  bool
	logger           *slog.Logger
	err              error // first invalid option

	store   *store.Store
	manager *account.Manager
}

// Option configures a Service.
type Option func(*Service)

// WithDBPath sets the SQLite database path.
// If not set, defaults to $XDG_DATA_HOME/signal-store/signal.db.
func WithDBPath(path string) Option {
	return func(s *Service) {
		s.storeConfig.Dialect = store.SQLite
		s.storeConfig.Path = path
	}
}

// WithPostgres stores everything in the PostgreSQL database at dsn.
func WithPostgres(dsn string) Option {
	return func(s *Service) {
		s.storeConfig.Dialect = store.Postgres
		s.storeConfig.DSN = dsn
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDiscovery sets the service used to look up unknown phone numbers.
// Without one, phone numbers only resolve if already known.
func WithDiscovery(d recipient.Discovery) Option {
	return func(s *Service) { s.discovery = d }
}

// WithDiscoveryTimeout bounds a single discovery lookup.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(s *Service) { s.discoveryTimeout = d }
}

// WithTrustNewKeys trusts changed identity keys instead of waiting for the
// user to approve them.
func WithTrustNewKeys(trust bool) Option {
	return func(s *Service) { s.trustNewKeys = trust }
}

// WithTrustAllKeysOnStart marks every stored untrusted key trusted when the
// service starts.
func WithTrustAllKeysOnStart(trust bool) Option {
	return func(s *Service) { s.trustAllOnStart = trust }
}

// WithConfig applies a configuration. An invalid configuration makes New
// fail. Options given after it override its values.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if err := cfg.Validate(); err != nil {
			s.err = err
			return
		}
		sc, err := cfg.StoreConfig()
		if err != nil {
			s.err = err
			return
		}
		s.storeConfig.Dialect = sc.Dialect
		s.storeConfig.Path = sc.Path
		s.storeConfig.DSN = sc.DSN
		timeout, err := cfg.DiscoveryTimeout()
		if err != nil {
			s.err = err
			return
		}
		if timeout > 0 {
			s.discoveryTimeout = timeout
		}
		if cfg.Discovery.URL != "" {
			opts := []discovery.Option{}
			if cfg.Discovery.Username != "" {
				opts = append(opts, discovery.WithAuth(cfg.Discovery.Username, cfg.Discovery.Password))
			}
			if s.logger != nil {
				opts = append(opts, discovery.WithLogger(s.logger))
			}
			s.discovery = discovery.NewClient(cfg.Discovery.URL, opts...)
		}
		s.trustNewKeys = cfg.Trust.NewKeys
		s.trustAllOnStart = cfg.Trust.AllKeysOnStart
	}
}

// New opens the store and returns a Service for its accounts.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		storeConfig: store.Config{
			Dialect: store.SQLite,
			Path:    filepath.Join(store.DefaultDataDir(), "signal.db"),
		},
	}
	for _, o := range opts {
		o(s)
		if s.err != nil {
			return nil, fmt.Errorf("signalstore: %w", s.err)
		}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.storeConfig.Logger = s.logger

	st, err := store.Open(s.storeConfig)
	if err != nil {
		return nil, fmt.Errorf("signalstore: %w", err)
	}
	s.store = st
	s.manager = account.NewManager(st, account.Options{
		Policy:           identity.DefaultPolicy(s.trustNewKeys),
		Discovery:        s.discovery,
		DiscoveryTimeout: s.discoveryTimeout,
		Logger:           s.logger,
	})

	if s.trustAllOnStart {
		if err := s.TrustAllKeys(context.Background()); err != nil {
			st.Close()
			return nil, err
		}
	}
	s.logger.Info("signalstore: opened", "dialect", st.Dialect(), "trust_new_keys", s.trustNewKeys)
	return s, nil
}

// Close closes the store.
func (s *Service) Close() error {
	return s.store.Close()
}

// CreateAccount stores a new account.
func (s *Service) CreateAccount(ctx context.Context, reg Registration) (*Account, error) {
	return s.manager.Create(ctx, reg)
}

// Account opens the account with the given ID.
func (s *Service) Account(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.manager.Open(ctx, id)
}

// Accounts lists the stored accounts.
func (s *Service) Accounts(ctx context.Context) ([]AccountInfo, error) {
	return s.manager.List(ctx)
}

// DeleteAccount removes an account and everything stored under it.
func (s *Service) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	return s.manager.Delete(ctx, id)
}

// TrustAllKeys marks every untrusted identity key of every account as
// trusted but unverified.
func (s *Service) TrustAllKeys(ctx context.Context) error {
	infos, err := s.manager.List(ctx)
	if err != nil {
		return fmt.Errorf("signalstore: trust all keys: %w", err)
	}
	for _, info := range infos {
		a, err := s.manager.Open(ctx, info.ID)
		if err != nil {
			return fmt.Errorf("signalstore: trust all keys: %w", err)
		}
		if _, err := a.Trust().TrustAllKeys(ctx); err != nil {
			return err
		}
	}
	return nil
}
