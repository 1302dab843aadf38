package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore implements Store over database/sql, with lib/pq ("postgres") or
// modernc.org/sqlite ("sqlite") as the driver.
//
// SQLite gets a single connection, so every transaction is serialized by the
// pool; PostgreSQL uses the same locking reads as PostgresStore.
type SQLStore struct {
	*sqlStore
	db     *sql.DB
	driver string
}

// OpenSQL opens a database/sql store. Supported drivers are "postgres" and
// "sqlite".
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var d dialect
	switch driver {
	case "postgres":
		d = postgresDialect
	case "sqlite":
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("store: unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One connection: serialized writers, and a ":memory:" database
		// that survives for the lifetime of the store.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &SQLStore{
		sqlStore: &sqlStore{db: sqlBackend{db: db, d: d}, d: d},
		db:       db,
		driver:   driver,
	}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.driver == "sqlite" {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- database/sql adapters ---

type sqlBackend struct {
	db *sql.DB
	d  dialect
}

func (b sqlBackend) Begin(ctx context.Context, readOnly bool) (dbTx, error) {
	var opts *sql.TxOptions
	if b.d.name == "postgres" {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
		if readOnly {
			opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
		}
	}
	tx, err := b.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return sqlTxAdapter{tx: tx}, nil
}

type sqlTxAdapter struct {
	tx *sql.Tx
}

func (t sqlTxAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t sqlTxAdapter) Query(ctx context.Context, query string, args ...any) (rows, error) {
	rs, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{Rows: rs}, nil
}

func (t sqlTxAdapter) QueryRow(ctx context.Context, query string, args ...any) rowScanner {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t sqlTxAdapter) Commit(context.Context) error { return t.tx.Commit() }

// Rollback after Commit is a no-op.
func (t sqlTxAdapter) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// sqlRows drops the error from Close; Err reports iteration failures.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { r.Rows.Close() }
