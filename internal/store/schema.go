package store

import "strings"

// schemaTemplate is shared by both dialects; {{id}}, {{blob}} and {{bigint}}
// are replaced with the dialect's column types.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	number TEXT NOT NULL DEFAULT '',
	registration_id INTEGER NOT NULL DEFAULT 0,
	identity_key_private {{blob}},
	identity_key_public {{blob}},
	created_at {{bigint}} NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS recipients (
	id {{id}},
	account_id TEXT NOT NULL,
	protocol_id TEXT,
	phone_number TEXT,
	registered BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (account_id, protocol_id),
	UNIQUE (account_id, phone_number)
);
CREATE TABLE IF NOT EXISTS identity_keys (
	id {{id}},
	account_id TEXT NOT NULL,
	recipient_id {{bigint}} NOT NULL REFERENCES recipients (id) ON DELETE CASCADE,
	identity_key {{blob}} NOT NULL,
	trust_level TEXT NOT NULL,
	added_at {{bigint}} NOT NULL,
	UNIQUE (account_id, recipient_id, identity_key)
);
CREATE TABLE IF NOT EXISTS sessions (
	account_id TEXT NOT NULL,
	recipient_id {{bigint}} NOT NULL REFERENCES recipients (id) ON DELETE CASCADE,
	device_id INTEGER NOT NULL,
	record {{blob}} NOT NULL,
	PRIMARY KEY (account_id, recipient_id, device_id)
);
CREATE TABLE IF NOT EXISTS sender_keys (
	account_id TEXT NOT NULL,
	recipient_id {{bigint}} NOT NULL REFERENCES recipients (id) ON DELETE CASCADE,
	device_id INTEGER NOT NULL,
	distribution_id TEXT NOT NULL,
	record {{blob}} NOT NULL,
	created_at {{bigint}} NOT NULL,
	PRIMARY KEY (account_id, recipient_id, device_id, distribution_id)
);
CREATE TABLE IF NOT EXISTS sender_key_shared (
	account_id TEXT NOT NULL,
	distribution_id TEXT NOT NULL,
	recipient_id {{bigint}} NOT NULL REFERENCES recipients (id) ON DELETE CASCADE,
	device_id INTEGER NOT NULL,
	PRIMARY KEY (account_id, distribution_id, recipient_id, device_id)
);
CREATE INDEX IF NOT EXISTS identity_keys_recipient ON identity_keys (account_id, recipient_id);
CREATE INDEX IF NOT EXISTS sender_key_shared_recipient ON sender_key_shared (account_id, recipient_id);
`

func schema(d Dialect) string {
	var r *strings.Replacer
	switch d {
	case Postgres:
		r = strings.NewReplacer(
			"{{id}}", "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY",
			"{{blob}}", "BYTEA",
			"{{bigint}}", "BIGINT",
		)
	default:
		// AUTOINCREMENT keeps SQLite from reusing the IDs of deleted rows.
		r = strings.NewReplacer(
			"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{blob}}", "BLOB",
			"{{bigint}}", "INTEGER",
		)
	}
	return r.Replace(schemaTemplate)
}
