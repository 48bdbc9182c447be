package store

import "database/sql"

// IdentityKeyRow is one stored identity key of a recipient.
type IdentityKeyRow struct {
	ID          int64  `db:"id"`
	RecipientID int64  `db:"recipient_id"`
	IdentityKey []byte `db:"identity_key"`
	TrustLevel  string `db:"trust_level"`
	AddedAt     int64  `db:"added_at"` // unix milliseconds
}

// RecipientIdentityKey is an identity key joined with its recipient's identifiers.
type RecipientIdentityKey struct {
	IdentityKeyRow
	ProtocolID  sql.NullString `db:"protocol_id"`
	PhoneNumber sql.NullString `db:"phone_number"`
}

const identityKeyColumns = "ik.id, ik.recipient_id, ik.identity_key, ik.trust_level, ik.added_at"

// IdentityKeys returns the key history of a recipient, most recent first.
// The first element, if any, is the current key.
func (t *Tx) IdentityKeys(accountID string, recipientID int64) ([]IdentityKeyRow, error) {
	var rows []IdentityKeyRow
	err := t.selectAll("load identity keys", &rows,
		"SELECT "+identityKeyColumns+" FROM identity_keys ik WHERE ik.account_id = ? AND ik.recipient_id = ? ORDER BY ik.added_at DESC, ik.id DESC",
		accountID, recipientID,
	)
	return rows, err
}

// AllIdentityKeys returns every stored key of the account with the
// identifiers of the recipient it belongs to.
func (t *Tx) AllIdentityKeys(accountID string) ([]RecipientIdentityKey, error) {
	var rows []RecipientIdentityKey
	err := t.selectAll("load all identity keys", &rows,
		"SELECT "+identityKeyColumns+", r.protocol_id, r.phone_number FROM identity_keys ik"+
			" JOIN recipients r ON r.id = ik.recipient_id"+
			" WHERE ik.account_id = ? ORDER BY ik.recipient_id, ik.added_at DESC, ik.id DESC",
		accountID,
	)
	return rows, err
}

// InsertIdentityKey stores a newly observed key.
func (t *Tx) InsertIdentityKey(accountID string, recipientID int64, key []byte, trustLevel string, addedAt int64) error {
	_, err := t.exec("save identity key",
		"INSERT INTO identity_keys (account_id, recipient_id, identity_key, trust_level, added_at) VALUES (?, ?, ?, ?, ?)",
		accountID, recipientID, key, trustLevel, addedAt,
	)
	return err
}

// SetIdentityTrust changes the trust level of a stored key. The return value
// reports whether the key was found.
func (t *Tx) SetIdentityTrust(accountID string, recipientID int64, key []byte, trustLevel string) (bool, error) {
	res, err := t.exec("set trust level",
		"UPDATE identity_keys SET trust_level = ? WHERE account_id = ? AND recipient_id = ? AND identity_key = ?",
		trustLevel, accountID, recipientID, key,
	)
	if err != nil {
		return false, err
	}
	n, err := affected("set trust level", res)
	return n > 0, err
}

// TouchIdentityKey moves a stored key's added time forward, making it the
// recipient's current key again.
func (t *Tx) TouchIdentityKey(accountID string, id int64, addedAt int64) error {
	_, err := t.exec("touch identity key",
		"UPDATE identity_keys SET added_at = ? WHERE account_id = ? AND id = ?",
		addedAt, accountID, id,
	)
	return err
}

// ReplaceTrustLevel rewrites every key of the account at level from to level
// to and returns how many keys changed.
func (t *Tx) ReplaceTrustLevel(accountID, from, to string) (int64, error) {
	res, err := t.exec("replace trust level",
		"UPDATE identity_keys SET trust_level = ? WHERE account_id = ? AND trust_level = ?",
		to, accountID, from,
	)
	if err != nil {
		return 0, err
	}
	return affected("replace trust level", res)
}
