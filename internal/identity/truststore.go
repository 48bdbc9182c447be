// Package identity tracks the identity keys of remote recipients and decides
// whether a key may be used, trusting the first key seen and flagging every
// later change.
//
// A key change archives the recipient's sessions and clears its sender key
// share markers in the same transaction that records the new key.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/recipient"
	"github.com/gwillem/signal-store/internal/senderkey"
	"github.com/gwillem/signal-store/internal/session"
	"github.com/gwillem/signal-store/internal/store"
)

// ErrUnknownKey is returned by SetTrust for a key that was never stored for
// the recipient.
var ErrUnknownKey = errors.New("identity: unknown identity key")

// Policy selects the trust levels given to keys the user has not acted on.
type Policy struct {
	// DefaultTrust is given to the first key seen for a recipient.
	DefaultTrust protocol.TrustLevel
	// NewKeyTrust is given to a key that replaces an earlier one.
	NewKeyTrust protocol.TrustLevel
}

// DefaultPolicy trusts first keys. Changed keys are trusted only if
// trustNewKeys is set; otherwise the user must approve them.
func DefaultPolicy(trustNewKeys bool) Policy {
	p := Policy{DefaultTrust: protocol.TrustedUnverified, NewKeyTrust: protocol.Untrusted}
	if trustNewKeys {
		p.NewKeyTrust = protocol.TrustedUnverified
	}
	return p
}

// Identity is one stored identity key.
type Identity struct {
	Key        protocol.IdentityKey
	TrustLevel protocol.TrustLevel
	AddedAt    time.Time
}

// RecipientIdentity is a stored key together with its owner.
type RecipientIdentity struct {
	Identity
	RecipientID int64
	ProtocolID  uuid.UUID
	PhoneNumber string
}

// TrustStore holds the identity keys of one local account.
type TrustStore struct {
	store      *store.Store
	accountID  string
	policy     Policy
	sessions   *session.Store
	senderKeys *senderkey.Coordinator
	logger     *slog.Logger
	now        func() time.Time
}

// NewTrustStore returns the trust store of accountID. Key changes are
// cascaded into sessions and senderKeys.
func NewTrustStore(st *store.Store, accountID string, policy Policy, sessions *session.Store, senderKeys *senderkey.Coordinator, logger *slog.Logger) *TrustStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TrustStore{
		store:      st,
		accountID:  accountID,
		policy:     policy,
		sessions:   sessions,
		senderKeys: senderKeys,
		logger:     logger.With("account", accountID),
		now:        time.Now,
	}
}

// Policy returns the trust policy in effect.
func (s *TrustStore) Policy() Policy { return s.policy }

// outcome is the result of observing a key.
type outcome struct {
	trusted bool
	// replaced is set when the key differs from the current key it
	// replaced; a first key does not count.
	replaced bool
}

// IsTrusted decides whether key may be used with r. The first key seen is
// stored and trusted. A key that differs from the current one is stored
// under the policy's NewKeyTrust and the recipient's sessions and share
// markers are invalidated before the decision is returned.
//
// The decision does not depend on direction. Storage failures yield false
// together with the error.
//
// The caller must hold the account's session lock.
func (s *TrustStore) IsTrusted(ctx context.Context, r *recipient.Recipient, key protocol.IdentityKey, direction protocol.Direction) (bool, error) {
	var out outcome
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = s.observe(tx, r, key, nil)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("identity: is trusted: %w", err)
	}
	if !out.trusted {
		s.logger.Debug("identity: untrusted key", "recipient", r.ID, "direction", direction)
	}
	return out.trusted, nil
}

// Save records key for r. With a nil level it behaves like IsTrusted and
// reports whether the key replaced a different current key. With a level,
// a known key only has its trust level set; an unknown key is stored at
// that level and cascades like any other key change.
//
// The caller must hold the account's session lock.
func (s *TrustStore) Save(ctx context.Context, r *recipient.Recipient, key protocol.IdentityKey, level *protocol.TrustLevel) (bool, error) {
	var out outcome
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = s.observe(tx, r, key, level)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("identity: save: %w", err)
	}
	return out.replaced, nil
}

// observe runs the trust state machine for one key inside tx.
func (s *TrustStore) observe(tx *store.Tx, r *recipient.Recipient, key protocol.IdentityKey, level *protocol.TrustLevel) (outcome, error) {
	if len(key) == 0 {
		return outcome{}, errors.New("empty identity key")
	}
	rows, err := tx.IdentityKeys(s.accountID, r.ID)
	if err != nil {
		return outcome{}, err
	}
	now := s.now().UnixMilli()

	if len(rows) == 0 {
		trust := s.policy.DefaultTrust
		if level != nil {
			trust = *level
		}
		if err := tx.InsertIdentityKey(s.accountID, r.ID, key, trust.String(), now); err != nil {
			return outcome{}, err
		}
		s.logger.Debug("identity: first key stored", "recipient", r.ID, "trust", trust)
		// First use: the key is accepted whatever level it was stored at
		// unless the caller chose one explicitly.
		return outcome{trusted: level == nil || trust.Trusted()}, nil
	}

	current := rows[0]
	if bytes.Equal(current.IdentityKey, key) {
		trust, err := protocol.ParseTrustLevel(current.TrustLevel)
		if err != nil {
			return outcome{}, err
		}
		if level != nil && *level != trust {
			if _, err := tx.SetIdentityTrust(s.accountID, r.ID, key, level.String()); err != nil {
				return outcome{}, err
			}
			trust = *level
		}
		return outcome{trusted: trust.Trusted()}, nil
	}

	// The current key changes. Keep added_at strictly increasing so the
	// new key sorts first even if the clock went backwards.
	addedAt := max(now, current.AddedAt+1)

	var trust protocol.TrustLevel
	if prev := findKey(rows[1:], key); prev != nil {
		if trust, err = protocol.ParseTrustLevel(prev.TrustLevel); err != nil {
			return outcome{}, err
		}
		if err := tx.TouchIdentityKey(s.accountID, prev.ID, addedAt); err != nil {
			return outcome{}, err
		}
		if level != nil && *level != trust {
			if _, err := tx.SetIdentityTrust(s.accountID, r.ID, key, level.String()); err != nil {
				return outcome{}, err
			}
			trust = *level
		}
		s.logger.Warn("identity: recipient reverted to an earlier key", "recipient", r.ID, "trust", trust)
	} else {
		trust = s.policy.NewKeyTrust
		if level != nil {
			trust = *level
		}
		if err := tx.InsertIdentityKey(s.accountID, r.ID, key, trust.String(), addedAt); err != nil {
			return outcome{}, err
		}
		s.logger.Warn("identity: identity key changed", "recipient", r.ID, "trust", trust)
	}

	if err := s.invalidate(tx, r.ID); err != nil {
		return outcome{}, err
	}
	return outcome{trusted: trust.Trusted(), replaced: true}, nil
}

// invalidate archives every session of the recipient and clears the share
// markers naming it.
func (s *TrustStore) invalidate(tx *store.Tx, recipientID int64) error {
	archived, err := s.sessions.ArchiveAllTx(tx, recipientID)
	if err != nil {
		return err
	}
	cleared, err := s.senderKeys.ClearSharesForRecipientTx(tx, recipientID)
	if err != nil {
		return err
	}
	s.logger.Info("identity: invalidated sessions after key change",
		"recipient", recipientID, "sessions", archived, "share_markers", cleared)
	return nil
}

func findKey(rows []store.IdentityKeyRow, key protocol.IdentityKey) *store.IdentityKeyRow {
	for i := range rows {
		if bytes.Equal(rows[i].IdentityKey, key) {
			return &rows[i]
		}
	}
	return nil
}

// SetTrust sets the trust level of a stored key. It is the user's explicit
// decision and leaves sessions and sender keys untouched.
func (s *TrustStore) SetTrust(ctx context.Context, r *recipient.Recipient, key protocol.IdentityKey, level protocol.TrustLevel) error {
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		found, err := tx.SetIdentityTrust(s.accountID, r.ID, key, level.String())
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownKey
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return err
		}
		return fmt.Errorf("identity: set trust: %w", err)
	}
	s.logger.Info("identity: trust level set", "recipient", r.ID, "trust", level)
	return nil
}

// Current returns the recipient's current key, or nil if none is stored.
func (s *TrustStore) Current(ctx context.Context, r *recipient.Recipient) (*Identity, error) {
	ids, err := s.Identities(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

// Identities returns the recipient's key history, current key first.
func (s *TrustStore) Identities(ctx context.Context, r *recipient.Recipient) ([]Identity, error) {
	var rows []store.IdentityKeyRow
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.IdentityKeys(s.accountID, r.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("identity: identities: %w", err)
	}
	out := make([]Identity, 0, len(rows))
	for _, row := range rows {
		id, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// AllIdentities returns every stored key of the account.
func (s *TrustStore) AllIdentities(ctx context.Context) ([]RecipientIdentity, error) {
	var rows []store.RecipientIdentityKey
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.AllIdentityKeys(s.accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("identity: all identities: %w", err)
	}
	out := make([]RecipientIdentity, 0, len(rows))
	for _, row := range rows {
		id, err := fromRow(row.IdentityKeyRow)
		if err != nil {
			return nil, err
		}
		ri := RecipientIdentity{Identity: id, RecipientID: row.RecipientID, PhoneNumber: row.PhoneNumber.String}
		if row.ProtocolID.Valid {
			if ri.ProtocolID, err = uuid.Parse(row.ProtocolID.String); err != nil {
				return nil, fmt.Errorf("identity: recipient %d: %w", row.RecipientID, err)
			}
		}
		out = append(out, ri)
	}
	return out, nil
}

// TrustAllKeys marks every untrusted key of the account as trusted but
// unverified and returns how many keys changed.
func (s *TrustStore) TrustAllKeys(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.ReplaceTrustLevel(s.accountID, protocol.Untrusted.String(), protocol.TrustedUnverified.String())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("identity: trust all keys: %w", err)
	}
	s.logger.Info("identity: trusted all keys", "count", n)
	return n, nil
}

func fromRow(row store.IdentityKeyRow) (Identity, error) {
	level, err := protocol.ParseTrustLevel(row.TrustLevel)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: key %d: %w", row.ID, err)
	}
	return Identity{
		Key:        protocol.IdentityKey(row.IdentityKey),
		TrustLevel: level,
		AddedAt:    time.UnixMilli(row.AddedAt),
	}, nil
}
