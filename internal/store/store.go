// Package store is the relational backend shared by every local account.
// One implementation serves SQLite and PostgreSQL; the dialect only changes
// DDL types, placeholder binding and error classification.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return SQLite, fmt.Errorf("store: unknown dialect %q", s)
}

const defaultMaxRetries = 5

// Config holds the parameters for opening a Store.
type Config struct {
	Dialect Dialect
	// Path is the SQLite database file. Ignored for PostgreSQL.
	Path string
	// DSN is the PostgreSQL connection string. Ignored for SQLite.
	DSN string
	// MaxRetries bounds how often a transaction is re-run after a
	// transient failure. Zero means the default (5).
	MaxRetries int
	Logger     *slog.Logger
}

// Store wraps the database handle used by all account-scoped components.
type Store struct {
	db         *sqlx.DB
	dialect    Dialect
	maxRetries int
	logger     *slog.Logger
}

// DefaultDataDir returns the default data directory for signal-store databases.
// Uses $XDG_DATA_HOME/signal-store, falling back to ~/.local/share/signal-store.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-store")
}

// Open opens or creates the database described by cfg and applies the schema.
// For SQLite an empty Path defaults to $XDG_DATA_HOME/signal-store/signal.db.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var dsn string
	switch cfg.Dialect {
	case SQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(DefaultDataDir(), "signal.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
		dsn = sqliteDSN(path)
	case Postgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres DSN is required")
		}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("store: unsupported dialect %v", cfg.Dialect)
	}

	db, err := sqlx.Open(cfg.Dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	if _, err := db.Exec(schema(cfg.Dialect)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	logger.Info("store opened", "dialect", cfg.Dialect.String())
	return &Store{db: db, dialect: cfg.Dialect, maxRetries: maxRetries, logger: logger}, nil
}

// sqliteDSN enables WAL, a busy timeout and foreign keys on every pooled
// connection, and makes BEGIN take the write lock up front so concurrent
// read-then-write transactions serialize instead of failing on upgrade.
func sqliteDSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
}

// runMigrations upgrades databases created before the current schema.
func runMigrations(db *sqlx.DB) error {
	// Recipients tables created before the registered flag lack the column.
	_, err := db.Exec("ALTER TABLE recipients ADD COLUMN registered BOOLEAN NOT NULL DEFAULT TRUE")
	if err != nil && !isColumnExistsError(err) {
		return fmt.Errorf("add registered column: %w", err)
	}
	return nil
}

// isColumnExistsError checks if the error is due to column already existing.
func isColumnExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Dialect returns the SQL dialect of the store.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn inside one transaction. The transaction commits if fn returns
// nil and rolls back otherwise. When the failure is transient (lock
// contention, serialization failure) the whole of fn is run again, up to
// the configured retry count; fn must therefore not keep state across calls.
func (s *Store) Tx(ctx context.Context, fn func(*Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !IsTransient(err) || attempt >= s.maxRetries {
			return err
		}
		wait := time.Duration(10<<attempt) * time.Millisecond
		s.logger.Debug("store: retrying transaction", "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Tx is an open transaction. Its methods are the table primitives used by the
// account components; every method is scoped by account ID.
type Tx struct {
	ctx     context.Context // scoped to the transaction
	tx      *sqlx.Tx
	dialect Dialect
}

func (t *Tx) exec(op, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(t.ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	return res, nil
}

func (t *Tx) get(op string, dest any, query string, args ...any) error {
	if err := t.tx.GetContext(t.ctx, dest, t.tx.Rebind(query), args...); err != nil {
		return wrap(op, err)
	}
	return nil
}

func (t *Tx) selectAll(op string, dest any, query string, args ...any) error {
	if err := t.tx.SelectContext(t.ctx, dest, t.tx.Rebind(query), args...); err != nil {
		return wrap(op, err)
	}
	return nil
}

// in expands slice arguments of an IN (?) clause.
func (t *Tx) in(op string, query string, args ...any) (string, []any, error) {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return q, expanded, nil
}

func affected(op string, res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}
