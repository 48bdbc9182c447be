// Package recipient maps phone numbers and protocol IDs to one canonical
// recipient row per contact within a local account.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/store"
)

// Recipient is the account-local handle of a contact.
type Recipient struct {
	ID          int64
	ProtocolID  uuid.UUID // uuid.Nil until discovered
	PhoneNumber string    // empty if unknown
	Registered  bool
}

// Address returns the protocol address of one of the recipient's devices.
func (r *Recipient) Address(deviceID uint32) protocol.Address {
	return protocol.NewAddress(r.ProtocolID.String(), deviceID)
}

func (r *Recipient) String() string {
	switch {
	case r.ProtocolID != uuid.Nil && r.PhoneNumber != "":
		return fmt.Sprintf("%s (%s)", r.ProtocolID, r.PhoneNumber)
	case r.ProtocolID != uuid.Nil:
		return r.ProtocolID.String()
	}
	return r.PhoneNumber
}

// Discovery looks up the protocol IDs of phone numbers. Numbers missing from
// the result are not registered.
type Discovery interface {
	Lookup(ctx context.Context, numbers []string) (map[string]uuid.UUID, error)
}

const (
	defaultDiscoveryTimeout = 30 * time.Second
	defaultMaxAttempts      = 5
)

// Config tunes a Directory. Zero values select the defaults.
type Config struct {
	// DiscoveryTimeout bounds a single discovery lookup.
	DiscoveryTimeout time.Duration
	// MaxAttempts bounds how many passes may end in a conflict with a
	// concurrent writer. Discovery lookups do not count.
	MaxAttempts int
	Logger      *slog.Logger
}

// Directory resolves identifiers for one local account.
type Directory struct {
	store     *store.Store
	accountID string
	discovery Discovery
	timeout   time.Duration
	attempts  int
	logger    *slog.Logger
}

// NewDirectory returns the directory of accountID. discovery may be nil, in
// which case numbers without a known protocol ID cannot be resolved.
func NewDirectory(st *store.Store, accountID string, discovery Discovery, cfg Config) *Directory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Directory{
		store:     st,
		accountID: accountID,
		discovery: discovery,
		timeout:   cfg.DiscoveryTimeout,
		attempts:  cfg.MaxAttempts,
		logger:    logger.With("account", accountID),
	}
	if d.timeout <= 0 {
		d.timeout = defaultDiscoveryTimeout
	}
	if d.attempts <= 0 {
		d.attempts = defaultMaxAttempts
	}
	return d
}

// AccountID returns the local account the directory belongs to.
func (d *Directory) AccountID() string { return d.accountID }

// Resolve returns the recipient for a phone number, a protocol ID or both,
// creating it on first sight and merging duplicate rows. At least one of the
// arguments must be set.
//
// A phone number without a known protocol ID triggers a discovery lookup,
// which runs outside any transaction. Unregistered numbers fail with
// *UnregisteredError and leave no new row behind.
func (d *Directory) Resolve(ctx context.Context, phoneNumber string, protocolID uuid.UUID) (*Recipient, error) {
	if phoneNumber == "" && protocolID == uuid.Nil {
		return nil, ErrNoIdentifier
	}

	discovered := false
	conflicts := 0
	for {
		r, needLookup, err := d.resolveOnce(ctx, phoneNumber, protocolID, discovered)
		switch {
		case err == nil && !needLookup:
			return r, nil
		case store.IsUniqueViolation(err):
			// Another writer created one of our identifiers between the
			// lookup and the insert. The next pass sees its row and merges.
			conflicts++
			if conflicts >= d.attempts {
				return nil, fmt.Errorf("recipient: resolve: giving up after %d conflicts: %w", conflicts, err)
			}
			d.logger.Warn("recipient: resolution conflict, retrying",
				"phone", phoneNumber, "protocol_id", protocolID, "err", err)
			continue
		case err != nil:
			return nil, fmt.Errorf("recipient: resolve: %w", err)
		case discovered:
			return nil, fmt.Errorf("recipient: resolve: %s still unresolved after discovery", phoneNumber)
		}

		id, err := d.lookup(ctx, phoneNumber)
		if err != nil {
			if errors.Is(err, ErrUnregistered) {
				if markErr := d.markUnregistered(ctx, phoneNumber); markErr != nil {
					return nil, fmt.Errorf("recipient: resolve: %w", markErr)
				}
			}
			return nil, err
		}
		protocolID = id
		discovered = true
	}
}

// resolveOnce runs one create-or-merge pass in a transaction. needLookup
// reports that the number must go through discovery before the pass can
// complete; nothing is written in that case.
func (d *Directory) resolveOnce(ctx context.Context, phoneNumber string, protocolID uuid.UUID, discovered bool) (*Recipient, bool, error) {
	pid := ""
	if protocolID != uuid.Nil {
		pid = protocolID.String()
	}

	var (
		result     *Recipient
		needLookup bool
	)
	err := d.store.Tx(ctx, func(tx *store.Tx) error {
		result, needLookup = nil, false

		rows, err := tx.FindRecipients(d.accountID, pid, phoneNumber)
		if err != nil {
			return err
		}

		winner := pickWinner(rows, pid)
		if err := d.mergeLosers(tx, rows, winner, phoneNumber); err != nil {
			return err
		}

		if winner == nil {
			if pid == "" {
				needLookup = true
				return nil
			}
			id, err := tx.InsertRecipient(d.accountID, pid, phoneNumber, true)
			if err != nil {
				return err
			}
			d.logger.Debug("recipient: created", "id", id, "phone", phoneNumber, "protocol_id", pid)
			result = &Recipient{ID: id, ProtocolID: protocolID, PhoneNumber: phoneNumber, Registered: true}
			return nil
		}

		if !winner.ProtocolID.Valid {
			if pid == "" {
				needLookup = true
				return nil
			}
			if _, err := tx.BindRecipientProtocolID(d.accountID, winner.ID, pid); err != nil {
				return err
			}
			winner.ProtocolID.String, winner.ProtocolID.Valid = pid, true
			d.logger.Info("recipient: bound protocol id", "id", winner.ID, "protocol_id", pid)
		}

		if phoneNumber != "" && winner.PhoneNumber.String != phoneNumber {
			if err := tx.SetRecipientPhoneNumber(d.accountID, winner.ID, phoneNumber); err != nil {
				return err
			}
			d.logger.Info("recipient: phone number changed",
				"id", winner.ID, "old", winner.PhoneNumber.String, "new", phoneNumber)
			winner.PhoneNumber.String, winner.PhoneNumber.Valid = phoneNumber, true
		}

		if discovered && !winner.Registered {
			if err := tx.SetRecipientRegistered(d.accountID, winner.ID, true); err != nil {
				return err
			}
			winner.Registered = true
		}

		result, err = fromRow(winner)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, needLookup, nil
}

// pickWinner selects the canonical row, or nil if no row can represent the
// caller's contact. With a protocol ID that is the row holding it, else a row
// without any protocol ID. Without one, a row with a protocol ID is
// preferred. Ties go to the lowest ID; rows are ordered by ID.
func pickWinner(rows []store.RecipientRow, pid string) *store.RecipientRow {
	if pid != "" {
		for i := range rows {
			if rows[i].ProtocolID.String == pid {
				return &rows[i]
			}
		}
		for i := range rows {
			if !rows[i].ProtocolID.Valid {
				return &rows[i]
			}
		}
		return nil
	}
	for i := range rows {
		if rows[i].ProtocolID.Valid {
			return &rows[i]
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// mergeLosers folds every non-winning row into winner, which may be nil.
// Rows without a protocol ID are duplicates of the winner and are deleted
// with their subordinate state. Rows with a different protocol ID are other
// contacts that still hold the phone number; they lose the number and stay.
func (d *Directory) mergeLosers(tx *store.Tx, rows []store.RecipientRow, winner *store.RecipientRow, phoneNumber string) error {
	for i := range rows {
		loser := &rows[i]
		if winner != nil && loser.ID == winner.ID {
			continue
		}
		if loser.ProtocolID.Valid && (winner == nil || loser.ProtocolID.String != winner.ProtocolID.String) {
			d.logger.Warn("recipient: phone number moved to another contact",
				"phone", phoneNumber, "from", loser.ID)
			if err := tx.SetRecipientPhoneNumber(d.accountID, loser.ID, ""); err != nil {
				return err
			}
			continue
		}
		d.logger.Warn("recipient: merging duplicate",
			"winner", winner.ID, "loser", loser.ID, "phone", loser.PhoneNumber.String)
		if err := tx.DeleteRecipient(d.accountID, loser.ID); err != nil {
			return err
		}
		if !winner.PhoneNumber.Valid && loser.PhoneNumber.Valid && phoneNumber == "" {
			// Keep the number the duplicate carried.
			if err := tx.SetRecipientPhoneNumber(d.accountID, winner.ID, loser.PhoneNumber.String); err != nil {
				return err
			}
			winner.PhoneNumber = loser.PhoneNumber
		}
	}
	return nil
}

// lookup asks discovery for the protocol ID of one number under the
// directory's timeout.
func (d *Directory) lookup(ctx context.Context, phoneNumber string) (uuid.UUID, error) {
	if d.discovery == nil {
		return uuid.Nil, &DiscoveryError{Err: errors.New("no discovery service configured")}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	found, err := d.discovery.Lookup(lookupCtx, []string{phoneNumber})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return uuid.Nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || lookupCtx.Err() != nil {
			d.logger.Warn("recipient: discovery timed out", "phone", phoneNumber, "after", time.Since(start))
			return uuid.Nil, timeoutError{}
		}
		return uuid.Nil, &DiscoveryError{Err: err}
	}

	id, ok := found[phoneNumber]
	if !ok || id == uuid.Nil {
		return uuid.Nil, &UnregisteredError{PhoneNumber: phoneNumber}
	}
	d.logger.Debug("recipient: discovered", "phone", phoneNumber, "protocol_id", id)
	return id, nil
}

// markUnregistered flags an existing row holding the number. No row is
// created for unknown numbers.
func (d *Directory) markUnregistered(ctx context.Context, phoneNumber string) error {
	return d.store.Tx(ctx, func(tx *store.Tx) error {
		rows, err := tx.FindRecipients(d.accountID, "", phoneNumber)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Registered {
				if err := tx.SetRecipientRegistered(d.accountID, r.ID, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ResolveIdentifier resolves a single client-supplied identifier. Strings
// starting with "+" are phone numbers, anything else must be a UUID.
func (d *Directory) ResolveIdentifier(ctx context.Context, identifier string) (*Recipient, error) {
	identifier = strings.TrimSpace(identifier)
	if strings.HasPrefix(identifier, "+") {
		return d.Resolve(ctx, identifier, uuid.Nil)
	}
	id, err := uuid.Parse(identifier)
	if err != nil {
		return nil, fmt.Errorf("recipient: invalid identifier %q: %w", identifier, err)
	}
	return d.Resolve(ctx, "", id)
}

// ResolveAddress resolves the recipient behind a protocol address.
func (d *Directory) ResolveAddress(ctx context.Context, addr protocol.Address) (*Recipient, error) {
	return d.ResolveIdentifier(ctx, addr.Name)
}

// Query is one entry of a ResolveAll batch.
type Query struct {
	PhoneNumber string
	ProtocolID  uuid.UUID
}

// ResolveAll resolves every query in order and stops at the first error.
func (d *Directory) ResolveAll(ctx context.Context, queries []Query) ([]*Recipient, error) {
	out := make([]*Recipient, 0, len(queries))
	for _, q := range queries {
		r, err := d.Resolve(ctx, q.PhoneNumber, q.ProtocolID)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Get returns the recipient with the given ID.
func (d *Directory) Get(ctx context.Context, id int64) (*Recipient, error) {
	var r *Recipient
	err := d.store.Tx(ctx, func(tx *store.Tx) error {
		row, err := tx.RecipientByID(d.accountID, id)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotFound
		}
		r, err = fromRow(row)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("recipient: get: %w", err)
	}
	return r, nil
}

// Self returns the recipient of the local account itself.
func (d *Directory) Self(ctx context.Context) (*Recipient, error) {
	id, err := uuid.Parse(d.accountID)
	if err != nil {
		return nil, fmt.Errorf("recipient: account id is not a UUID: %w", err)
	}
	return d.Resolve(ctx, "", id)
}

// List returns every recipient of the account ordered by ID.
func (d *Directory) List(ctx context.Context) ([]*Recipient, error) {
	var out []*Recipient
	err := d.store.Tx(ctx, func(tx *store.Tx) error {
		rows, err := tx.ListRecipients(d.accountID)
		if err != nil {
			return err
		}
		out = make([]*Recipient, 0, len(rows))
		for i := range rows {
			r, err := fromRow(&rows[i])
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recipient: list: %w", err)
	}
	return out, nil
}

// SetRegistered records whether the recipient exists on the network.
func (d *Directory) SetRegistered(ctx context.Context, r *Recipient, registered bool) error {
	err := d.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.SetRecipientRegistered(d.accountID, r.ID, registered)
	})
	if err != nil {
		return fmt.Errorf("recipient: set registered: %w", err)
	}
	r.Registered = registered
	return nil
}

func fromRow(row *store.RecipientRow) (*Recipient, error) {
	r := &Recipient{
		ID:          row.ID,
		PhoneNumber: row.PhoneNumber.String,
		Registered:  row.Registered,
	}
	if row.ProtocolID.Valid {
		id, err := uuid.Parse(row.ProtocolID.String)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: bad protocol id %q: %w", row.ID, row.ProtocolID.String, err)
		}
		r.ProtocolID = id
	}
	return r, nil
}
