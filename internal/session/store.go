// Package session persists the engine's per-device session records and
// answers liveness questions about them through an engine-supplied
// inspector.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/recipient"
	"github.com/gwillem/signal-store/internal/store"
)

// ErrNoSession is returned by LoadExisting when a device has no session.
var ErrNoSession = errors.New("session: no session")

// Store holds the session records of one local account.
type Store struct {
	store     *store.Store
	accountID string
	inspector protocol.SessionInspector
	logger    *slog.Logger
}

// NewStore returns the session store of accountID. A nil inspector selects
// protocol.RecordInspector at the current session version.
func NewStore(st *store.Store, accountID string, inspector protocol.SessionInspector, logger *slog.Logger) *Store {
	if inspector == nil {
		inspector = protocol.RecordInspector{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		store:     st,
		accountID: accountID,
		inspector: inspector,
		logger:    logger.With("account", accountID),
	}
}

// Load returns the session record of a recipient device. A missing session
// yields an empty record, never nil.
func (s *Store) Load(ctx context.Context, r *recipient.Recipient, deviceID uint32) ([]byte, error) {
	var record []byte
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		record, err = tx.LoadSession(s.accountID, r.ID, deviceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if record == nil {
		return []byte{}, nil
	}
	return record, nil
}

// Store writes the session record of a recipient device.
func (s *Store) Store(ctx context.Context, r *recipient.Recipient, deviceID uint32, record []byte) error {
	if record == nil {
		record = protocol.EmptySessionRecord
	}
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.StoreSession(s.accountID, r.ID, deviceID, record)
	})
	if err != nil {
		return fmt.Errorf("session: store: %w", err)
	}
	return nil
}

// Exists reports whether a non-empty session record is stored for the
// device, whether or not it is active.
func (s *Store) Exists(ctx context.Context, r *recipient.Recipient, deviceID uint32) (bool, error) {
	var record []byte
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		record, err = tx.LoadSession(s.accountID, r.ID, deviceID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("session: exists: %w", err)
	}
	return len(record) > 0, nil
}

// IsActive reports whether the device has a session with an established
// sender chain at the engine's current version.
func (s *Store) IsActive(ctx context.Context, r *recipient.Recipient, deviceID uint32) (bool, error) {
	record, err := s.Load(ctx, r, deviceID)
	if err != nil {
		return false, err
	}
	return s.active(record)
}

func (s *Store) active(record []byte) (bool, error) {
	if len(record) == 0 {
		return false, nil
	}
	ok, err := s.inspector.IsActive(record)
	if err != nil {
		return false, fmt.Errorf("session: inspect record: %w", err)
	}
	return ok, nil
}

// ArchiveAll archives the sessions of every device of the recipient. The
// caller must hold the account's session Lock.
func (s *Store) ArchiveAll(ctx context.Context, r *recipient.Recipient) error {
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		_, err := s.ArchiveAllTx(tx, r.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("session: archive: %w", err)
	}
	return nil
}

// ArchiveAllTx archives the recipient's sessions inside an open transaction
// and returns how many records changed.
func (s *Store) ArchiveAllTx(tx *store.Tx, recipientID int64) (int, error) {
	rows, err := tx.RecipientSessions(s.accountID, recipientID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		if len(row.Record) == 0 {
			continue
		}
		archived, err := s.inspector.Archive(row.Record)
		if err != nil {
			return n, fmt.Errorf("session: archive device %d: %w", row.DeviceID, err)
		}
		if bytes.Equal(archived, row.Record) {
			continue
		}
		if err := tx.StoreSession(s.accountID, recipientID, row.DeviceID, archived); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("session: archived", "recipient", recipientID, "devices", n)
	}
	return n, nil
}

// ListActiveAddresses returns the addresses of every active session among
// the candidates' devices. Candidates without a protocol ID have no
// addressable sessions and are skipped.
func (s *Store) ListActiveAddresses(ctx context.Context, candidates []*recipient.Recipient) ([]protocol.Address, error) {
	byID := make(map[int64]*recipient.Recipient, len(candidates))
	ids := make([]int64, 0, len(candidates))
	for _, r := range candidates {
		if r == nil || r.ProtocolID == uuid.Nil {
			continue
		}
		if _, dup := byID[r.ID]; dup {
			continue
		}
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	var rows []store.SessionRow
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.SessionsFor(s.accountID, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: list active: %w", err)
	}

	var out []protocol.Address
	for _, row := range rows {
		ok, err := s.active(row.Record)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, byID[row.RecipientID].Address(row.DeviceID))
		}
	}
	return out, nil
}

// LoadExisting returns the records of the given devices in order. It fails
// with ErrNoSession if any of them has no session.
func (s *Store) LoadExisting(ctx context.Context, r *recipient.Recipient, deviceIDs []uint32) ([][]byte, error) {
	out := make([][]byte, 0, len(deviceIDs))
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		out = out[:0]
		for _, dev := range deviceIDs {
			record, err := tx.LoadSession(s.accountID, r.ID, dev)
			if err != nil {
				return err
			}
			if len(record) == 0 {
				return fmt.Errorf("%w for %s", ErrNoSession, r.Address(dev))
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, err
		}
		return nil, fmt.Errorf("session: load existing: %w", err)
	}
	return out, nil
}

// SubDeviceSessions returns the IDs of the recipient's devices other than
// the primary that have a session.
func (s *Store) SubDeviceSessions(ctx context.Context, r *recipient.Recipient) ([]uint32, error) {
	var rows []store.SessionRow
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.RecipientSessions(s.accountID, r.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: sub devices: %w", err)
	}
	var out []uint32
	for _, row := range rows {
		if row.DeviceID != protocol.DefaultDeviceID {
			out = append(out, row.DeviceID)
		}
	}
	return out, nil
}

// Delete removes the session of one device.
func (s *Store) Delete(ctx context.Context, r *recipient.Recipient, deviceID uint32) error {
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSession(s.accountID, r.ID, deviceID)
	})
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// DeleteAll removes the sessions of every device of the recipient.
func (s *Store) DeleteAll(ctx context.Context, r *recipient.Recipient) error {
	err := s.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSessions(s.accountID, r.ID)
	})
	if err != nil {
		return fmt.Errorf("session: delete all: %w", err)
	}
	return nil
}
