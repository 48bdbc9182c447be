// Package senderkey stores group sender key records and tracks which
// recipient devices already hold the current key of a distribution.
package senderkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/recipient"
	"github.com/gwillem/signal-store/internal/store"
)

// ErrNoSenderKey is returned by MarkShared when the distribution has no key
// record to share.
var ErrNoSenderKey = errors.New("senderkey: no sender key for distribution")

// Resolver maps protocol addresses to recipients.
type Resolver interface {
	ResolveAddress(ctx context.Context, addr protocol.Address) (*recipient.Recipient, error)
}

// Coordinator manages the sender keys of one local account.
type Coordinator struct {
	store     *store.Store
	accountID string
	resolver  Resolver
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator returns the sender key coordinator of accountID.
func NewCoordinator(st *store.Store, accountID string, resolver Resolver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		store:     st,
		accountID: accountID,
		resolver:  resolver,
		logger:    logger.With("account", accountID),
		now:       time.Now,
	}
}

// Store saves the sender key record of a sender device for a distribution.
func (c *Coordinator) Store(ctx context.Context, sender *recipient.Recipient, deviceID uint32, distributionID uuid.UUID, record []byte) error {
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.StoreSenderKey(c.accountID, sender.ID, deviceID, distributionID.String(), record, c.now().UnixMilli())
	})
	if err != nil {
		return fmt.Errorf("senderkey: store: %w", err)
	}
	return nil
}

// Load returns the sender key record, or nil if there is none.
func (c *Coordinator) Load(ctx context.Context, sender *recipient.Recipient, deviceID uint32, distributionID uuid.UUID) ([]byte, error) {
	var record []byte
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		record, err = tx.LoadSenderKey(c.accountID, sender.ID, deviceID, distributionID.String())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("senderkey: load: %w", err)
	}
	return record, nil
}

// CreatedAt returns when the sender key record was first stored. The zero
// time means there is no record.
func (c *Coordinator) CreatedAt(ctx context.Context, sender *recipient.Recipient, deviceID uint32, distributionID uuid.UUID) (time.Time, error) {
	var ms int64
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		ms, err = tx.SenderKeyCreatedAt(c.accountID, sender.ID, deviceID, distributionID.String())
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("senderkey: created at: %w", err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

type device struct {
	recipientID int64
	deviceID    uint32
}

// resolve maps addresses to recipient devices. It runs before the
// transaction that uses the result, since resolution opens its own.
func (c *Coordinator) resolve(ctx context.Context, addrs []protocol.Address) ([]device, error) {
	out := make([]device, 0, len(addrs))
	for _, addr := range addrs {
		r, err := c.resolver.ResolveAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		out = append(out, device{recipientID: r.ID, deviceID: addr.DeviceID})
	}
	return out, nil
}

// MarkShared records that the addresses hold the distribution's current key.
func (c *Coordinator) MarkShared(ctx context.Context, distributionID uuid.UUID, addrs []protocol.Address) error {
	devices, err := c.resolve(ctx, addrs)
	if err != nil {
		return fmt.Errorf("senderkey: mark shared: %w", err)
	}
	dist := distributionID.String()
	err = c.store.Tx(ctx, func(tx *store.Tx) error {
		ok, err := tx.HasSenderKey(c.accountID, dist)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSenderKey
		}
		for _, d := range devices {
			if err := tx.MarkShared(c.accountID, dist, d.recipientID, d.deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoSenderKey) {
			return err
		}
		return fmt.Errorf("senderkey: mark shared: %w", err)
	}
	return nil
}

// SharedWith returns the addresses that hold the distribution's key.
func (c *Coordinator) SharedWith(ctx context.Context, distributionID uuid.UUID) ([]protocol.Address, error) {
	var rows []store.SharedRow
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.SharedWith(c.accountID, distributionID.String())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("senderkey: shared with: %w", err)
	}
	out := make([]protocol.Address, 0, len(rows))
	for _, row := range rows {
		if !row.ProtocolID.Valid {
			continue
		}
		out = append(out, protocol.NewAddress(row.ProtocolID.String, row.DeviceID))
	}
	return out, nil
}

// ClearSharedWith removes the share markers of the addresses for one
// distribution.
func (c *Coordinator) ClearSharedWith(ctx context.Context, distributionID uuid.UUID, addrs []protocol.Address) error {
	devices, err := c.resolve(ctx, addrs)
	if err != nil {
		return fmt.Errorf("senderkey: clear shared: %w", err)
	}
	err = c.store.Tx(ctx, func(tx *store.Tx) error {
		for _, d := range devices {
			if err := tx.ClearShared(c.accountID, distributionID.String(), d.recipientID, d.deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("senderkey: clear shared: %w", err)
	}
	return nil
}

// ClearSharedDevices removes the share markers of the addresses across all
// distributions.
func (c *Coordinator) ClearSharedDevices(ctx context.Context, addrs []protocol.Address) error {
	devices, err := c.resolve(ctx, addrs)
	if err != nil {
		return fmt.Errorf("senderkey: clear shared devices: %w", err)
	}
	err = c.store.Tx(ctx, func(tx *store.Tx) error {
		for _, d := range devices {
			if err := tx.ClearSharedDevice(c.accountID, d.recipientID, d.deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("senderkey: clear shared devices: %w", err)
	}
	return nil
}

// ClearAllForDistribution removes every key record and share marker of the
// distribution in one transaction.
func (c *Coordinator) ClearAllForDistribution(ctx context.Context, distributionID uuid.UUID) error {
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.DeleteDistribution(c.accountID, distributionID.String())
	})
	if err != nil {
		return fmt.Errorf("senderkey: clear distribution: %w", err)
	}
	c.logger.Info("senderkey: distribution cleared", "distribution", distributionID)
	return nil
}

// ClearAllForRecipient removes the recipient's key records and every share
// marker naming any of its devices, across all distributions. Markers of
// distributions left without a key record go too.
func (c *Coordinator) ClearAllForRecipient(ctx context.Context, r *recipient.Recipient) error {
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteRecipientSenderKeys(c.accountID, r.ID); err != nil {
			return err
		}
		if _, err := tx.ClearSharedRecipient(c.accountID, r.ID); err != nil {
			return err
		}
		return tx.DeleteOrphanShares(c.accountID)
	})
	if err != nil {
		return fmt.Errorf("senderkey: clear recipient: %w", err)
	}
	c.logger.Info("senderkey: recipient cleared", "recipient", r.ID)
	return nil
}

// ClearSharesForRecipient removes the share markers naming the recipient so
// the next group send redistributes the key. Key records are kept.
func (c *Coordinator) ClearSharesForRecipient(ctx context.Context, r *recipient.Recipient) error {
	err := c.store.Tx(ctx, func(tx *store.Tx) error {
		_, err := c.ClearSharesForRecipientTx(tx, r.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("senderkey: clear shares: %w", err)
	}
	return nil
}

// ClearSharesForRecipientTx is ClearSharesForRecipient inside an open
// transaction. It returns the number of markers removed.
func (c *Coordinator) ClearSharesForRecipientTx(tx *store.Tx, recipientID int64) (int64, error) {
	n, err := tx.ClearSharedRecipient(c.accountID, recipientID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Debug("senderkey: share markers cleared", "recipient", recipientID, "count", n)
	}
	return n, nil
}
