package store

import "database/sql"

// SharedRow is one sender key share marker.
type SharedRow struct {
	RecipientID int64          `db:"recipient_id"`
	ProtocolID  sql.NullString `db:"protocol_id"`
	DeviceID    uint32         `db:"device_id"`
}

// StoreSenderKey inserts or overwrites the sender key record of a recipient
// device for a distribution.
func (t *Tx) StoreSenderKey(accountID string, recipientID int64, deviceID uint32, distributionID string, record []byte, createdAt int64) error {
	_, err := t.exec("store sender key",
		"INSERT INTO sender_keys (account_id, recipient_id, device_id, distribution_id, record, created_at) VALUES (?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT (account_id, recipient_id, device_id, distribution_id) DO UPDATE SET record = excluded.record",
		accountID, recipientID, deviceID, distributionID, record, createdAt,
	)
	return err
}

// LoadSenderKey returns a sender key record, or nil, nil if not found.
func (t *Tx) LoadSenderKey(accountID string, recipientID int64, deviceID uint32, distributionID string) ([]byte, error) {
	var record []byte
	err := t.get("load sender key", &record,
		"SELECT record FROM sender_keys WHERE account_id = ? AND recipient_id = ? AND device_id = ? AND distribution_id = ?",
		accountID, recipientID, deviceID, distributionID,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// SenderKeyCreatedAt returns when a sender key record was first stored, in
// unix milliseconds, or 0 if there is none.
func (t *Tx) SenderKeyCreatedAt(accountID string, recipientID int64, deviceID uint32, distributionID string) (int64, error) {
	var createdAt int64
	err := t.get("sender key created", &createdAt,
		"SELECT created_at FROM sender_keys WHERE account_id = ? AND recipient_id = ? AND device_id = ? AND distribution_id = ?",
		accountID, recipientID, deviceID, distributionID,
	)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return createdAt, nil
}

// HasSenderKey reports whether any key record exists for the distribution.
func (t *Tx) HasSenderKey(accountID, distributionID string) (bool, error) {
	var n int
	err := t.get("count sender keys", &n,
		"SELECT COUNT(*) FROM sender_keys WHERE account_id = ? AND distribution_id = ?",
		accountID, distributionID,
	)
	return n > 0, err
}

// MarkShared records that a recipient device holds the distribution's key.
// Marking an already marked device is a no-op.
func (t *Tx) MarkShared(accountID, distributionID string, recipientID int64, deviceID uint32) error {
	_, err := t.exec("mark sender key shared",
		"INSERT INTO sender_key_shared (account_id, distribution_id, recipient_id, device_id) VALUES (?, ?, ?, ?)"+
			" ON CONFLICT DO NOTHING",
		accountID, distributionID, recipientID, deviceID,
	)
	return err
}

// SharedWith returns the devices marked as holding the distribution's key.
func (t *Tx) SharedWith(accountID, distributionID string) ([]SharedRow, error) {
	var rows []SharedRow
	err := t.selectAll("load sender key shared", &rows,
		"SELECT s.recipient_id, r.protocol_id, s.device_id FROM sender_key_shared s"+
			" JOIN recipients r ON r.id = s.recipient_id"+
			" WHERE s.account_id = ? AND s.distribution_id = ? ORDER BY s.recipient_id, s.device_id",
		accountID, distributionID,
	)
	return rows, err
}

// ClearShared removes the marker of one recipient device for a distribution.
func (t *Tx) ClearShared(accountID, distributionID string, recipientID int64, deviceID uint32) error {
	_, err := t.exec("clear sender key shared",
		"DELETE FROM sender_key_shared WHERE account_id = ? AND distribution_id = ? AND recipient_id = ? AND device_id = ?",
		accountID, distributionID, recipientID, deviceID,
	)
	return err
}

// ClearSharedDevice removes the markers of one recipient device across all
// distributions.
func (t *Tx) ClearSharedDevice(accountID string, recipientID int64, deviceID uint32) error {
	_, err := t.exec("clear sender key shared device",
		"DELETE FROM sender_key_shared WHERE account_id = ? AND recipient_id = ? AND device_id = ?",
		accountID, recipientID, deviceID,
	)
	return err
}

// ClearSharedRecipient removes every marker naming the recipient and returns
// how many were removed.
func (t *Tx) ClearSharedRecipient(accountID string, recipientID int64) (int64, error) {
	res, err := t.exec("clear sender key shared recipient",
		"DELETE FROM sender_key_shared WHERE account_id = ? AND recipient_id = ?",
		accountID, recipientID,
	)
	if err != nil {
		return 0, err
	}
	return affected("clear sender key shared recipient", res)
}

// DeleteDistribution removes every key record and share marker of a distribution.
func (t *Tx) DeleteDistribution(accountID, distributionID string) error {
	if _, err := t.exec("delete distribution shared",
		"DELETE FROM sender_key_shared WHERE account_id = ? AND distribution_id = ?",
		accountID, distributionID,
	); err != nil {
		return err
	}
	_, err := t.exec("delete distribution keys",
		"DELETE FROM sender_keys WHERE account_id = ? AND distribution_id = ?",
		accountID, distributionID,
	)
	return err
}

// DeleteRecipientSenderKeys removes the recipient's key records for every
// distribution.
func (t *Tx) DeleteRecipientSenderKeys(accountID string, recipientID int64) error {
	_, err := t.exec("delete recipient sender keys",
		"DELETE FROM sender_keys WHERE account_id = ? AND recipient_id = ?",
		accountID, recipientID,
	)
	return err
}

// DeleteOrphanShares removes share markers of distributions that no longer
// have any key record.
func (t *Tx) DeleteOrphanShares(accountID string) error {
	_, err := t.exec("delete orphan shares",
		"DELETE FROM sender_key_shared WHERE account_id = ? AND NOT EXISTS"+
			" (SELECT 1 FROM sender_keys k WHERE k.account_id = sender_key_shared.account_id AND k.distribution_id = sender_key_shared.distribution_id)",
		accountID,
	)
	return err
}
