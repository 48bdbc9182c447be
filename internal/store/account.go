package store

// AccountRow holds the local account's registration data.
type AccountRow struct {
	AccountID          string `db:"account_id"`
	Number             string `db:"number"`
	RegistrationID     uint32 `db:"registration_id"`
	IdentityKeyPrivate []byte `db:"identity_key_private"`
	IdentityKeyPublic  []byte `db:"identity_key_public"`
	CreatedAt          int64  `db:"created_at"` // unix milliseconds
}

const accountColumns = "account_id, number, registration_id, identity_key_private, identity_key_public, created_at"

// accountTables lists every account-scoped table, children before parents.
var accountTables = []string{
	"sender_key_shared",
	"sender_keys",
	"sessions",
	"identity_keys",
	"recipients",
	"accounts",
}

// InsertAccount creates the account row.
func (t *Tx) InsertAccount(a *AccountRow) error {
	_, err := t.exec("insert account",
		"INSERT INTO accounts ("+accountColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		a.AccountID, a.Number, a.RegistrationID, a.IdentityKeyPrivate, a.IdentityKeyPublic, a.CreatedAt,
	)
	return err
}

// Account returns the account row, or nil if not found.
func (t *Tx) Account(accountID string) (*AccountRow, error) {
	var a AccountRow
	err := t.get("load account", &a,
		"SELECT "+accountColumns+" FROM accounts WHERE account_id = ?", accountID,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// Accounts returns all accounts ordered by creation time.
func (t *Tx) Accounts() ([]AccountRow, error) {
	var rows []AccountRow
	err := t.selectAll("list accounts", &rows,
		"SELECT "+accountColumns+" FROM accounts ORDER BY created_at, account_id",
	)
	return rows, err
}

// SetAccountNumber updates the account's own phone number.
func (t *Tx) SetAccountNumber(accountID, number string) error {
	_, err := t.exec("set account number",
		"UPDATE accounts SET number = ? WHERE account_id = ?", number, accountID,
	)
	return err
}

// DeleteAccount removes every row scoped to the account and returns the
// number of rows removed per table.
func (t *Tx) DeleteAccount(accountID string) (map[string]int64, error) {
	counts := make(map[string]int64, len(accountTables))
	for _, table := range accountTables {
		res, err := t.exec("delete account "+table,
			"DELETE FROM "+table+" WHERE account_id = ?", accountID,
		)
		if err != nil {
			return nil, err
		}
		n, err := affected("delete account "+table, res)
		if err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}

// CountAccountRows returns how many rows of each account-scoped table belong
// to the account.
func (t *Tx) CountAccountRows(accountID string) (map[string]int64, error) {
	counts := make(map[string]int64, len(accountTables))
	for _, table := range accountTables {
		var n int64
		if err := t.get("count "+table, &n,
			"SELECT COUNT(*) FROM "+table+" WHERE account_id = ?", accountID,
		); err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}
