package store

import "database/sql"

// SessionRow is one stored session record.
type SessionRow struct {
	RecipientID int64          `db:"recipient_id"`
	ProtocolID  sql.NullString `db:"protocol_id"`
	DeviceID    uint32         `db:"device_id"`
	Record      []byte         `db:"record"`
}

// LoadSession returns the session record for a recipient device.
// Returns nil, nil if no session exists.
func (t *Tx) LoadSession(accountID string, recipientID int64, deviceID uint32) ([]byte, error) {
	var record []byte
	err := t.get("load session", &record,
		"SELECT record FROM sessions WHERE account_id = ? AND recipient_id = ? AND device_id = ?",
		accountID, recipientID, deviceID,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// StoreSession inserts or overwrites the session record of a recipient device.
func (t *Tx) StoreSession(accountID string, recipientID int64, deviceID uint32, record []byte) error {
	_, err := t.exec("store session",
		"INSERT INTO sessions (account_id, recipient_id, device_id, record) VALUES (?, ?, ?, ?)"+
			" ON CONFLICT (account_id, recipient_id, device_id) DO UPDATE SET record = excluded.record",
		accountID, recipientID, deviceID, record,
	)
	return err
}

// RecipientSessions returns every session of a recipient, ordered by device ID.
func (t *Tx) RecipientSessions(accountID string, recipientID int64) ([]SessionRow, error) {
	return t.SessionsFor(accountID, []int64{recipientID})
}

// SessionsFor returns the sessions of all given recipients, joined with the
// recipients' protocol IDs.
func (t *Tx) SessionsFor(accountID string, recipientIDs []int64) ([]SessionRow, error) {
	if len(recipientIDs) == 0 {
		return nil, nil
	}
	q, args, err := t.in("load sessions",
		"SELECT s.recipient_id, r.protocol_id, s.device_id, s.record FROM sessions s"+
			" JOIN recipients r ON r.id = s.recipient_id"+
			" WHERE s.account_id = ? AND s.recipient_id IN (?) ORDER BY s.recipient_id, s.device_id",
		accountID, recipientIDs,
	)
	if err != nil {
		return nil, err
	}
	var rows []SessionRow
	err = t.selectAll("load sessions", &rows, q, args...)
	return rows, err
}

// DeleteSession removes the session of one recipient device.
func (t *Tx) DeleteSession(accountID string, recipientID int64, deviceID uint32) error {
	_, err := t.exec("delete session",
		"DELETE FROM sessions WHERE account_id = ? AND recipient_id = ? AND device_id = ?",
		accountID, recipientID, deviceID,
	)
	return err
}

// DeleteSessions removes every session of a recipient.
func (t *Tx) DeleteSessions(accountID string, recipientID int64) error {
	_, err := t.exec("delete sessions",
		"DELETE FROM sessions WHERE account_id = ? AND recipient_id = ?",
		accountID, recipientID,
	)
	return err
}
