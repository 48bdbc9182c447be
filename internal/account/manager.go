// Package account creates, opens and deletes local accounts. An opened
// Account wires the recipient directory, identity trust store, session store
// and sender key coordinator of one account together and implements the
// engine's storage interfaces on top of them.
package account

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/identity"
	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/recipient"
	"github.com/gwillem/signal-store/internal/session"
	"github.com/gwillem/signal-store/internal/store"
)

var (
	// ErrNotFound is returned when opening an account that does not exist.
	ErrNotFound = errors.New("account: not found")
	// ErrExists is returned when creating an account that already exists.
	ErrExists = errors.New("account: already exists")
)

// Options configure the components of every account opened by a Manager.
type Options struct {
	Policy           identity.Policy
	Discovery        recipient.Discovery
	DiscoveryTimeout time.Duration
	// Inspector reads engine session records. Nil selects
	// protocol.RecordInspector.
	Inspector protocol.SessionInspector
	Logger    *slog.Logger
}

// Manager owns the accounts of one store and the session lock of each.
type Manager struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*session.Lock
}

// NewManager returns a Manager for the accounts in st.
func NewManager(st *store.Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:  st,
		opts:   opts,
		logger: opts.Logger,
		locks:  make(map[string]*session.Lock),
	}
}

// Registration holds what the network assigned to a newly registered
// account. Zero fields are filled in by Create.
type Registration struct {
	AccountID      uuid.UUID
	Number         string
	RegistrationID uint32
	KeyPair        *protocol.KeyPair
}

// Info describes a stored account.
type Info struct {
	ID             uuid.UUID
	Number         string
	RegistrationID uint32
	CreatedAt      time.Time
}

// Create stores a new account and seeds its own recipient row, whose own
// identity key is stored as verified.
func (m *Manager) Create(ctx context.Context, reg Registration) (*Account, error) {
	if reg.Number == "" {
		return nil, fmt.Errorf("account: create: phone number required")
	}
	if reg.AccountID == uuid.Nil {
		reg.AccountID = uuid.New()
	}
	if reg.RegistrationID == 0 {
		id, err := newRegistrationID()
		if err != nil {
			return nil, fmt.Errorf("account: create: %w", err)
		}
		reg.RegistrationID = id
	}
	if reg.KeyPair == nil {
		kp, err := protocol.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("account: create: %w", err)
		}
		reg.KeyPair = kp
	}

	id := reg.AccountID.String()
	err := m.store.Tx(ctx, func(tx *store.Tx) error {
		existing, err := tx.Account(id)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrExists
		}
		now := time.Now().UnixMilli()
		if err := tx.InsertAccount(&store.AccountRow{
			AccountID:          id,
			Number:             reg.Number,
			RegistrationID:     reg.RegistrationID,
			IdentityKeyPrivate: reg.KeyPair.Private,
			IdentityKeyPublic:  reg.KeyPair.Public,
			CreatedAt:          now,
		}); err != nil {
			return err
		}
		self, err := tx.InsertRecipient(id, id, reg.Number, true)
		if err != nil {
			return err
		}
		return tx.InsertIdentityKey(id, self, reg.KeyPair.Public, protocol.TrustedVerified.String(), now)
	})
	if err != nil {
		if errors.Is(err, ErrExists) || store.IsUniqueViolation(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("account: create: %w", err)
	}
	m.logger.Info("account: created", "account", id, "number", reg.Number)
	return m.Open(ctx, reg.AccountID)
}

// Open returns the account aggregate for id.
func (m *Manager) Open(ctx context.Context, id uuid.UUID) (*Account, error) {
	var row *store.AccountRow
	err := m.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		row, err = tx.Account(id.String())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("account: open: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return newAccount(m.store, row, m.lock(row.AccountID), m.opts), nil
}

// List returns every stored account.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	var rows []store.AccountRow
	err := m.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.Accounts()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	out := make([]Info, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.AccountID)
		if err != nil {
			return nil, fmt.Errorf("account: list: bad account id %q: %w", row.AccountID, err)
		}
		out = append(out, Info{
			ID:             id,
			Number:         row.Number,
			RegistrationID: row.RegistrationID,
			CreatedAt:      time.UnixMilli(row.CreatedAt),
		})
	}
	return out, nil
}

// Delete removes the account and everything stored under it in one
// transaction. Deleting an unknown account is not an error.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	var counts map[string]int64
	err := m.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		counts, err = tx.DeleteAccount(id.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("account: delete: %w", err)
	}

	m.mu.Lock()
	delete(m.locks, id.String())
	m.mu.Unlock()

	args := []any{"account", id}
	for table, n := range counts {
		args = append(args, table, n)
	}
	m.logger.Info("account: deleted", args...)
	return nil
}

// ChangeNumber records a new phone number for the account itself and moves
// it onto the account's own recipient row.
func (m *Manager) ChangeNumber(ctx context.Context, id uuid.UUID, number string) (*Account, error) {
	if number == "" {
		return nil, fmt.Errorf("account: change number: phone number required")
	}
	err := m.store.Tx(ctx, func(tx *store.Tx) error {
		row, err := tx.Account(id.String())
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotFound
		}
		return tx.SetAccountNumber(id.String(), number)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("account: change number: %w", err)
	}
	a, err := m.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := a.Directory().Resolve(ctx, number, id); err != nil {
		return nil, fmt.Errorf("account: change number: %w", err)
	}
	m.logger.Info("account: number changed", "account", id, "number", number)
	return a, nil
}

// lock returns the session lock of an account, creating it on first use.
func (m *Manager) lock(accountID string) *session.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = session.NewLock()
		m.locks[accountID] = l
	}
	return l
}

// newRegistrationID returns a random 14-bit registration ID, never zero.
func newRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate registration id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%16380 + 1, nil
}
