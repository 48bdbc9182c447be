package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/identity"
	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/recipient"
	"github.com/gwillem/signal-store/internal/senderkey"
	"github.com/gwillem/signal-store/internal/session"
	"github.com/gwillem/signal-store/internal/store"
)

// Compile-time checks.
var (
	_ protocol.SessionStore     = (*Account)(nil)
	_ protocol.IdentityKeyStore = (*Account)(nil)
	_ protocol.SenderKeyStore   = (*Account)(nil)
)

// Account is one opened local account.
type Account struct {
	id             uuid.UUID
	number         string
	registrationID uint32
	keyPair        *protocol.KeyPair

	directory  *recipient.Directory
	trust      *identity.TrustStore
	sessions   *session.Store
	senderKeys *senderkey.Coordinator
	lock       *session.Lock
	store      *store.Store
	logger     *slog.Logger
}

func newAccount(st *store.Store, row *store.AccountRow, lock *session.Lock, opts Options) *Account {
	id := uuid.MustParse(row.AccountID)
	logger := opts.Logger
	dir := recipient.NewDirectory(st, row.AccountID, opts.Discovery, recipient.Config{
		DiscoveryTimeout: opts.DiscoveryTimeout,
		Logger:           logger,
	})
	sessions := session.NewStore(st, row.AccountID, opts.Inspector, logger)
	senderKeys := senderkey.NewCoordinator(st, row.AccountID, dir, logger)
	return &Account{
		id:             id,
		number:         row.Number,
		registrationID: row.RegistrationID,
		keyPair: &protocol.KeyPair{
			Private: row.IdentityKeyPrivate,
			Public:  protocol.IdentityKey(row.IdentityKeyPublic),
		},
		directory:  dir,
		trust:      identity.NewTrustStore(st, row.AccountID, opts.Policy, sessions, senderKeys, logger),
		sessions:   sessions,
		senderKeys: senderKeys,
		lock:       lock,
		store:      st,
		logger:     logger.With("account", row.AccountID),
	}
}

// ID returns the account's own protocol ID.
func (a *Account) ID() uuid.UUID { return a.id }

// Number returns the account's own phone number.
func (a *Account) Number() string { return a.number }

// Directory returns the account's recipient directory.
func (a *Account) Directory() *recipient.Directory { return a.directory }

// Trust returns the account's identity trust store.
func (a *Account) Trust() *identity.TrustStore { return a.trust }

// Sessions returns the account's session store. Archival through it must
// happen under SessionLock.
func (a *Account) Sessions() *session.Store { return a.sessions }

// SenderKeys returns the account's sender key coordinator.
func (a *Account) SenderKeys() *senderkey.Coordinator { return a.senderKeys }

// SessionLock returns the lock that serializes session use in the account.
func (a *Account) SessionLock() *session.Lock { return a.lock }

// WithSessionLock runs fn while holding the account's session lock. The
// engine wraps every encrypt and decrypt in it. Identity checks made by fn
// may archive sessions; they run under the lock already held.
func (a *Account) WithSessionLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return a.lock.With(ctx, func() error { return fn(ctx) })
}

// ArchiveSessions archives every session of r under the session lock.
func (a *Account) ArchiveSessions(ctx context.Context, r *recipient.Recipient) error {
	return a.lock.With(ctx, func() error {
		return a.sessions.ArchiveAll(ctx, r)
	})
}

// ResetSession archives every session of the recipient named by
// identifier and clears its share markers, forcing fresh session setup and
// sender key redistribution on the next send. Both happen in one
// transaction under the session lock.
func (a *Account) ResetSession(ctx context.Context, identifier string) (*recipient.Recipient, error) {
	r, err := a.directory.ResolveIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	var archived int
	var cleared int64
	err = a.lock.With(ctx, func() error {
		return a.store.Tx(ctx, func(tx *store.Tx) error {
			var err error
			if cleared, err = a.senderKeys.ClearSharesForRecipientTx(tx, r.ID); err != nil {
				return err
			}
			archived, err = a.sessions.ArchiveAllTx(tx, r.ID)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("account: reset session: %w", err)
	}
	a.logger.Info("account: session reset", "recipient", r.ID, "archived", archived, "shares_cleared", cleared)
	return r, nil
}

func (a *Account) resolve(ctx context.Context, addr protocol.Address) (*recipient.Recipient, error) {
	r, err := a.directory.ResolveAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("account: resolve %s: %w", addr, err)
	}
	return r, nil
}

// LoadSession implements protocol.SessionStore.
func (a *Account) LoadSession(ctx context.Context, addr protocol.Address) ([]byte, error) {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	return a.sessions.Load(ctx, r, addr.DeviceID)
}

// StoreSession implements protocol.SessionStore.
func (a *Account) StoreSession(ctx context.Context, addr protocol.Address, record []byte) error {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return err
	}
	return a.sessions.Store(ctx, r, addr.DeviceID, record)
}

// ContainsSession implements protocol.SessionStore. Only active sessions
// count.
func (a *Account) ContainsSession(ctx context.Context, addr protocol.Address) (bool, error) {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return false, err
	}
	return a.sessions.IsActive(ctx, r, addr.DeviceID)
}

// DeleteSession implements protocol.SessionStore.
func (a *Account) DeleteSession(ctx context.Context, addr protocol.Address) error {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return err
	}
	return a.sessions.Delete(ctx, r, addr.DeviceID)
}

// DeleteAllSessions implements protocol.SessionStore.
func (a *Account) DeleteAllSessions(ctx context.Context, name string) error {
	r, err := a.resolve(ctx, protocol.NewAddress(name, protocol.DefaultDeviceID))
	if err != nil {
		return err
	}
	return a.sessions.DeleteAll(ctx, r)
}

// SubDeviceSessions implements protocol.SessionStore.
func (a *Account) SubDeviceSessions(ctx context.Context, name string) ([]uint32, error) {
	r, err := a.resolve(ctx, protocol.NewAddress(name, protocol.DefaultDeviceID))
	if err != nil {
		return nil, err
	}
	return a.sessions.SubDeviceSessions(ctx, r)
}

// GetIdentityKeyPair implements protocol.IdentityKeyStore.
func (a *Account) GetIdentityKeyPair(ctx context.Context) (*protocol.KeyPair, error) {
	return a.keyPair, nil
}

// GetLocalRegistrationID implements protocol.IdentityKeyStore.
func (a *Account) GetLocalRegistrationID(ctx context.Context) (uint32, error) {
	return a.registrationID, nil
}

// SaveIdentityKey implements protocol.IdentityKeyStore. It reports whether
// the key replaced a different one.
func (a *Account) SaveIdentityKey(ctx context.Context, addr protocol.Address, key protocol.IdentityKey) (bool, error) {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return false, err
	}
	return a.trust.Save(ctx, r, key, nil)
}

// GetIdentityKey implements protocol.IdentityKeyStore. It returns nil if no
// key is stored.
func (a *Account) GetIdentityKey(ctx context.Context, addr protocol.Address) (protocol.IdentityKey, error) {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	cur, err := a.trust.Current(ctx, r)
	if err != nil || cur == nil {
		return nil, err
	}
	return cur.Key, nil
}

// IsTrustedIdentity implements protocol.IdentityKeyStore.
func (a *Account) IsTrustedIdentity(ctx context.Context, addr protocol.Address, key protocol.IdentityKey, direction protocol.Direction) (bool, error) {
	r, err := a.resolve(ctx, addr)
	if err != nil {
		return false, err
	}
	return a.trust.IsTrusted(ctx, r, key, direction)
}

// StoreSenderKey implements protocol.SenderKeyStore.
func (a *Account) StoreSenderKey(ctx context.Context, sender protocol.Address, distributionID uuid.UUID, record []byte) error {
	r, err := a.resolve(ctx, sender)
	if err != nil {
		return err
	}
	return a.senderKeys.Store(ctx, r, sender.DeviceID, distributionID, record)
}

// LoadSenderKey implements protocol.SenderKeyStore.
func (a *Account) LoadSenderKey(ctx context.Context, sender protocol.Address, distributionID uuid.UUID) ([]byte, error) {
	r, err := a.resolve(ctx, sender)
	if err != nil {
		return nil, err
	}
	return a.senderKeys.Load(ctx, r, sender.DeviceID, distributionID)
}
