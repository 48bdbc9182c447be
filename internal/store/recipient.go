package store

import (
	"database/sql"
)

// RecipientRow is one row of the recipients table.
type RecipientRow struct {
	ID          int64          `db:"id"`
	AccountID   string         `db:"account_id"`
	ProtocolID  sql.NullString `db:"protocol_id"`
	PhoneNumber sql.NullString `db:"phone_number"`
	Registered  bool           `db:"registered"`
}

const recipientColumns = "id, account_id, protocol_id, phone_number, registered"

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FindRecipients returns every row of the account matching protocolID or
// phoneNumber, ordered by ID. Empty arguments match nothing.
func (t *Tx) FindRecipients(accountID, protocolID, phoneNumber string) ([]RecipientRow, error) {
	var rows []RecipientRow
	err := t.selectAll("find recipients", &rows,
		"SELECT "+recipientColumns+" FROM recipients WHERE account_id = ? AND (protocol_id = ? OR phone_number = ?) ORDER BY id",
		accountID, nullString(protocolID), nullString(phoneNumber),
	)
	return rows, err
}

// RecipientByID returns the recipient with the given ID, or nil if not found.
func (t *Tx) RecipientByID(accountID string, id int64) (*RecipientRow, error) {
	var r RecipientRow
	err := t.get("get recipient", &r,
		"SELECT "+recipientColumns+" FROM recipients WHERE account_id = ? AND id = ?",
		accountID, id,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListRecipients returns all recipients of the account, ordered by ID.
func (t *Tx) ListRecipients(accountID string) ([]RecipientRow, error) {
	var rows []RecipientRow
	err := t.selectAll("list recipients", &rows,
		"SELECT "+recipientColumns+" FROM recipients WHERE account_id = ? ORDER BY id",
		accountID,
	)
	return rows, err
}

// InsertRecipient creates a recipient row and returns its ID. A concurrent
// insert of the same identifier fails with a unique violation.
func (t *Tx) InsertRecipient(accountID, protocolID, phoneNumber string, registered bool) (int64, error) {
	var id int64
	err := t.get("insert recipient", &id,
		"INSERT INTO recipients (account_id, protocol_id, phone_number, registered) VALUES (?, ?, ?, ?) RETURNING id",
		accountID, nullString(protocolID), nullString(phoneNumber), registered,
	)
	return id, err
}

// BindRecipientProtocolID sets the protocol ID of a row that has none.
// Rows that already carry a protocol ID are left untouched; the return
// value reports whether the row was updated.
func (t *Tx) BindRecipientProtocolID(accountID string, id int64, protocolID string) (bool, error) {
	res, err := t.exec("bind protocol id",
		"UPDATE recipients SET protocol_id = ? WHERE account_id = ? AND id = ? AND protocol_id IS NULL",
		protocolID, accountID, id,
	)
	if err != nil {
		return false, err
	}
	n, err := affected("bind protocol id", res)
	return n > 0, err
}

// SetRecipientPhoneNumber replaces the phone number of a row. An empty
// number clears it.
func (t *Tx) SetRecipientPhoneNumber(accountID string, id int64, phoneNumber string) error {
	_, err := t.exec("set phone number",
		"UPDATE recipients SET phone_number = ? WHERE account_id = ? AND id = ?",
		nullString(phoneNumber), accountID, id,
	)
	return err
}

// SetRecipientRegistered records whether the recipient exists on the network.
func (t *Tx) SetRecipientRegistered(accountID string, id int64, registered bool) error {
	_, err := t.exec("set registered",
		"UPDATE recipients SET registered = ? WHERE account_id = ? AND id = ?",
		registered, accountID, id,
	)
	return err
}

// DeleteRecipient removes a recipient row together with every row that
// references it.
func (t *Tx) DeleteRecipient(accountID string, id int64) error {
	for _, table := range []string{"sender_key_shared", "sender_keys", "sessions", "identity_keys"} {
		if _, err := t.exec("delete recipient "+table,
			"DELETE FROM "+table+" WHERE account_id = ? AND recipient_id = ?",
			accountID, id,
		); err != nil {
			return err
		}
	}
	_, err := t.exec("delete recipient",
		"DELETE FROM recipients WHERE account_id = ? AND id = ?",
		accountID, id,
	)
	return err
}
