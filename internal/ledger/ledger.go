// Package ledger is the local SQLite database that tracks remote volumes, filesets,
// blocks and their relationships. All access goes through a Tx.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Ledger errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrVolumeInUse  = errors.New("volume still referenced by blocks or filesets")
	ErrTxFinished   = errors.New("transaction already finished")
	ErrBlockMissing = errors.New("block not present in ledger")
)

// Ledger is an open ledger database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// Single writer; keeps temp tables and transactions on one connection.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Begin starts a transaction. When dryRun is set, Commit and Checkpoint roll back
// instead, so nothing the operation does is persisted.
func (l *Ledger) Begin(ctx context.Context, dryRun bool) (*Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{db: l.db, tx: tx, dryRun: dryRun}, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back on
// error or panic. Panics are rethrown.
func (l *Ledger) WithTx(ctx context.Context, dryRun bool, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := l.Begin(ctx, dryRun)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

// Tx is a ledger transaction.
type Tx struct {
	db     *sql.DB
	tx     *sql.Tx
	dryRun bool
}

// DryRun reports whether the transaction discards its changes.
func (t *Tx) DryRun() bool { return t.dryRun }

// Commit persists the transaction. In dry-run mode it rolls back.
func (t *Tx) Commit() error {
	if t.tx == nil {
		return ErrTxFinished
	}
	tx := t.tx
	t.tx = nil
	if t.dryRun {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	return tx.Rollback()
}

// Checkpoint commits the work done so far and continues in a fresh transaction,
// so completed steps survive a later failure. In dry-run mode it does nothing.
func (t *Tx) Checkpoint(ctx context.Context) error {
	if t.tx == nil {
		return ErrTxFinished
	}
	if t.dryRun {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		t.tx = nil
		return fmt.Errorf("checkpoint commit: %w", err)
	}
	next, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		t.tx = nil
		return fmt.Errorf("checkpoint begin: %w", err)
	}
	t.tx = next
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.tx == nil {
		return nil, ErrTxFinished
	}
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.tx == nil {
		return nil, ErrTxFinished
	}
	return t.tx.QueryContext(ctx, query, args...)
}

type scanner interface {
	Scan(dest ...any) error
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) scanner {
	if t.tx == nil {
		return errRow{err: ErrTxFinished}
	}
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := t.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
