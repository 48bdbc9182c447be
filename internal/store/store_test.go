package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a transaction and fails the test on error.
func inTx(t *testing.T, s *Store, fn func(*Tx) error) {
	t.Helper()
	if err := s.Tx(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Fatal("directory should have been created")
	}
}

func TestReopenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(Config{Path: path})
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		s.Close()
	}
}

func TestSchemaHasRegisteredColumn(t *testing.T) {
	if !strings.Contains(schema(SQLite), "registered BOOLEAN") {
		t.Error("recipients DDL should declare the registered column")
	}
}

func TestMigrationAddsRegisteredColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE recipients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		protocol_id TEXT,
		phone_number TEXT,
		UNIQUE (account_id, protocol_id),
		UNIQUE (account_id, phone_number)
	);
	INSERT INTO recipients (account_id, protocol_id) VALUES ('acct', 'uuid-1');`)
	db.Close()
	if err != nil {
		t.Fatal(err)
	}

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	inTx(t, s, func(tx *Tx) error {
		rows, err := tx.FindRecipients("acct", "uuid-1", "")
		if err != nil {
			return err
		}
		if len(rows) != 1 || !rows[0].Registered {
			t.Errorf("legacy row = %+v, want registered", rows)
		}
		return nil
	})
}

func TestPostgresRequiresDSN(t *testing.T) {
	_, err := Open(Config{Dialect: Postgres})
	if err == nil {
		t.Fatal("expected error for missing DSN")
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in   string
		want Dialect
	}{
		{"", SQLite},
		{"sqlite", SQLite},
		{"Postgres", Postgres},
		{"pgx", Postgres},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if err != nil {
			t.Fatalf("ParseDialect(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDialect(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestSchemaDialects(t *testing.T) {
	pg := schema(Postgres)
	if !strings.Contains(pg, "BYTEA") || strings.Contains(pg, "AUTOINCREMENT") {
		t.Error("postgres schema has wrong column types")
	}
	lite := schema(SQLite)
	if !strings.Contains(lite, "AUTOINCREMENT") || strings.Contains(lite, "{{") {
		t.Error("sqlite schema has unreplaced placeholders")
	}
}

func TestTxRollsBackOnError(t *testing.T) {
	s := tempStore(t)
	boom := errors.New("boom")

	err := s.Tx(context.Background(), func(tx *Tx) error {
		if _, err := tx.InsertRecipient("acct", "uuid-1", "+15550001", true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	inTx(t, s, func(tx *Tx) error {
		rows, err := tx.ListRecipients("acct")
		if err != nil {
			return err
		}
		if len(rows) != 0 {
			t.Errorf("got %d recipients after rollback, want 0", len(rows))
		}
		return nil
	})
}

func TestRecipientUniqueViolation(t *testing.T) {
	s := tempStore(t)
	inTx(t, s, func(tx *Tx) error {
		_, err := tx.InsertRecipient("acct", "uuid-1", "", true)
		return err
	})

	err := s.Tx(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertRecipient("acct", "uuid-1", "", true)
		return err
	})
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("store errors should be retryable")
	}

	// Another account may hold the same identifier.
	inTx(t, s, func(tx *Tx) error {
		_, err := tx.InsertRecipient("other", "uuid-1", "", true)
		return err
	})
}

func TestRecipientRows(t *testing.T) {
	s := tempStore(t)
	inTx(t, s, func(tx *Tx) error {
		id, err := tx.InsertRecipient("acct", "", "+15550001", true)
		if err != nil {
			return err
		}

		bound, err := tx.BindRecipientProtocolID("acct", id, "uuid-1")
		if err != nil {
			return err
		}
		if !bound {
			t.Error("expected protocol ID to bind")
		}
		bound, err = tx.BindRecipientProtocolID("acct", id, "uuid-2")
		if err != nil {
			return err
		}
		if bound {
			t.Error("protocol ID must not be overwritten")
		}

		if err := tx.SetRecipientRegistered("acct", id, false); err != nil {
			return err
		}
		if err := tx.SetRecipientPhoneNumber("acct", id, ""); err != nil {
			return err
		}

		r, err := tx.RecipientByID("acct", id)
		if err != nil {
			return err
		}
		if r.ProtocolID.String != "uuid-1" || r.PhoneNumber.Valid || r.Registered {
			t.Errorf("unexpected row %+v", r)
		}

		found, err := tx.FindRecipients("acct", "uuid-1", "")
		if err != nil {
			return err
		}
		if len(found) != 1 || found[0].ID != id {
			t.Errorf("FindRecipients = %+v", found)
		}

		missing, err := tx.RecipientByID("acct", id+100)
		if err != nil {
			return err
		}
		if missing != nil {
			t.Error("expected nil for unknown recipient")
		}
		return nil
	})
}

func TestIdentityKeyRows(t *testing.T) {
	s := tempStore(t)
	inTx(t, s, func(tx *Tx) error {
		rid, err := tx.InsertRecipient("acct", "uuid-1", "", true)
		if err != nil {
			return err
		}
		if err := tx.InsertIdentityKey("acct", rid, []byte{5, 1}, "TRUSTED_UNVERIFIED", 100); err != nil {
			return err
		}
		if err := tx.InsertIdentityKey("acct", rid, []byte{5, 2}, "UNTRUSTED", 200); err != nil {
			return err
		}

		keys, err := tx.IdentityKeys("acct", rid)
		if err != nil {
			return err
		}
		if len(keys) != 2 || keys[0].IdentityKey[1] != 2 {
			t.Fatalf("newest key should come first, got %+v", keys)
		}

		if err := tx.TouchIdentityKey("acct", keys[1].ID, 300); err != nil {
			return err
		}
		keys, err = tx.IdentityKeys("acct", rid)
		if err != nil {
			return err
		}
		if keys[0].IdentityKey[1] != 1 {
			t.Error("touched key should become current")
		}

		n, err := tx.ReplaceTrustLevel("acct", "UNTRUSTED", "TRUSTED_UNVERIFIED")
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("ReplaceTrustLevel changed %d rows, want 1", n)
		}

		ok, err := tx.SetIdentityTrust("acct", rid, []byte{5, 3}, "TRUSTED_VERIFIED")
		if err != nil {
			return err
		}
		if ok {
			t.Error("SetIdentityTrust on unknown key should report false")
		}

		all, err := tx.AllIdentityKeys("acct")
		if err != nil {
			return err
		}
		if len(all) != 2 || all[0].ProtocolID.String != "uuid-1" {
			t.Errorf("AllIdentityKeys = %+v", all)
		}
		return nil
	})
}

func TestSessionRows(t *testing.T) {
	s := tempStore(t)
	inTx(t, s, func(tx *Tx) error {
		a, err := tx.InsertRecipient("acct", "uuid-a", "", true)
		if err != nil {
			return err
		}
		b, err := tx.InsertRecipient("acct", "uuid-b", "", true)
		if err != nil {
			return err
		}

		rec, err := tx.LoadSession("acct", a, 1)
		if err != nil {
			return err
		}
		if rec != nil {
			t.Error("expected nil record before store")
		}

		for _, dev := range []uint32{1, 2} {
			if err := tx.StoreSession("acct", a, dev, []byte{byte(dev)}); err != nil {
				return err
			}
		}
		if err := tx.StoreSession("acct", a, 2, []byte{9}); err != nil {
			return err
		}
		if err := tx.StoreSession("acct", b, 1, []byte{7}); err != nil {
			return err
		}

		rec, err = tx.LoadSession("acct", a, 2)
		if err != nil {
			return err
		}
		if len(rec) != 1 || rec[0] != 9 {
			t.Errorf("StoreSession should overwrite, got %v", rec)
		}

		rows, err := tx.SessionsFor("acct", []int64{a, b})
		if err != nil {
			return err
		}
		if len(rows) != 3 || rows[2].ProtocolID.String != "uuid-b" {
			t.Errorf("SessionsFor = %+v", rows)
		}

		if err := tx.DeleteSession("acct", a, 1); err != nil {
			return err
		}
		rows, err = tx.RecipientSessions("acct", a)
		if err != nil {
			return err
		}
		if len(rows) != 1 || rows[0].DeviceID != 2 {
			t.Errorf("RecipientSessions = %+v", rows)
		}

		if err := tx.DeleteSessions("acct", a); err != nil {
			return err
		}
		rows, err = tx.RecipientSessions("acct", a)
		if err != nil {
			return err
		}
		if len(rows) != 0 {
			t.Errorf("expected no sessions, got %d", len(rows))
		}
		return nil
	})
}

func TestSenderKeyRows(t *testing.T) {
	s := tempStore(t)
	const dist = "7b0b5d5e-8a0d-4d0e-9f3b-0d9f3b5d6c01"
	inTx(t, s, func(tx *Tx) error {
		rid, err := tx.InsertRecipient("acct", "uuid-a", "", true)
		if err != nil {
			return err
		}

		has, err := tx.HasSenderKey("acct", dist)
		if err != nil {
			return err
		}
		if has {
			t.Error("no sender key expected yet")
		}

		if err := tx.StoreSenderKey("acct", rid, 1, dist, []byte{1}, 10); err != nil {
			return err
		}
		if err := tx.MarkShared("acct", dist, rid, 1); err != nil {
			return err
		}
		if err := tx.MarkShared("acct", dist, rid, 1); err != nil {
			return err
		}
		if err := tx.MarkShared("acct", dist, rid, 2); err != nil {
			return err
		}

		shared, err := tx.SharedWith("acct", dist)
		if err != nil {
			return err
		}
		if len(shared) != 2 || shared[0].ProtocolID.String != "uuid-a" {
			t.Errorf("SharedWith = %+v", shared)
		}

		if err := tx.ClearSharedDevice("acct", rid, 2); err != nil {
			return err
		}
		if err := tx.DeleteRecipientSenderKeys("acct", rid); err != nil {
			return err
		}
		if err := tx.DeleteOrphanShares("acct"); err != nil {
			return err
		}
		shared, err = tx.SharedWith("acct", dist)
		if err != nil {
			return err
		}
		if len(shared) != 0 {
			t.Errorf("orphan shares should be gone, got %+v", shared)
		}
		return nil
	})
}

func TestDeleteAccountLeavesOtherAccounts(t *testing.T) {
	s := tempStore(t)
	for _, acct := range []string{"a", "b"} {
		inTx(t, s, func(tx *Tx) error {
			if err := tx.InsertAccount(&AccountRow{AccountID: acct, Number: "+1555" + acct}); err != nil {
				return err
			}
			rid, err := tx.InsertRecipient(acct, "uuid-x", "+15550001", true)
			if err != nil {
				return err
			}
			if err := tx.InsertIdentityKey(acct, rid, []byte{5, 1}, "TRUSTED_UNVERIFIED", 1); err != nil {
				return err
			}
			if err := tx.StoreSession(acct, rid, 1, []byte{1}); err != nil {
				return err
			}
			if err := tx.StoreSenderKey(acct, rid, 1, "dist", []byte{1}, 1); err != nil {
				return err
			}
			return tx.MarkShared(acct, "dist", rid, 1)
		})
	}

	inTx(t, s, func(tx *Tx) error {
		_, err := tx.DeleteAccount("a")
		return err
	})

	inTx(t, s, func(tx *Tx) error {
		gone, err := tx.CountAccountRows("a")
		if err != nil {
			return err
		}
		for table, n := range gone {
			if n != 0 {
				t.Errorf("%s: %d rows left for deleted account", table, n)
			}
		}
		kept, err := tx.CountAccountRows("b")
		if err != nil {
			return err
		}
		for table, n := range kept {
			if n != 1 {
				t.Errorf("%s: %d rows for other account, want 1", table, n)
			}
		}
		acct, err := tx.Account("a")
		if err != nil {
			return err
		}
		if acct != nil {
			t.Error("deleted account should not load")
		}
		return nil
	})
}
