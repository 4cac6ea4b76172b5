// Package store is the SQLite record store behind tally.
//
// It owns every persisted row: sessions, messages and their full-text
// projection, tool calls, cost rollups, attribution and churn, health
// snapshots and the skip-cache ledger. Writes are serialized through one
// transaction at a time; reads use the pool and see the last committed
// WAL snapshot, so they never wait on a writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/theirongolddev/tally/internal/skipcache"

	_ "modernc.org/sqlite" // register sqlite driver
)

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an append-only row already exists.
	ErrConflict = errors.New("already exists")
)

// Store is the SQLite-backed record store.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	ledger  *skipcache.Ledger

	schemaReset bool
}

// Open opens or creates the store at dbPath. Failure here is fatal for callers.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=synchronous(normal)" +
		"&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if _, err := db.Exec(skipcache.Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating skip-cache schema: %w", err)
	}

	s := &Store{db: db, ledger: skipcache.NewLedger(db)}
	if err := s.migrateSchemaVersion(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrateSchemaVersion drops derived state when the stored version differs.
func (s *Store) migrateSchemaVersion(ctx context.Context) error {
	var ver string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'schema_version'").Scan(&ver)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if ver == schemaVersion {
		return nil
	}
	if ver != "" {
		if err := s.ResetDerived(ctx); err != nil {
			return err
		}
		s.schemaReset = true
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		return err
	})
}

// SchemaReset reports whether Open discarded derived state from an older schema.
func (s *Store) SchemaReset() bool {
	return s.schemaReset
}

// Close closes the store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ledger returns the skip-cache reader over this store.
func (s *Store) Ledger() *skipcache.Ledger {
	return s.ledger
}

// write runs fn in the single write transaction. Any error from fn rolls
// everything back.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ResetDerived drops everything re-derivable from the logs and the commit
// log, including the skip-cache. Health snapshots are external input and stay.
func (s *Store) ResetDerived(ctx context.Context) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM tool_calls",
			"DELETE FROM messages",
			"DELETE FROM sessions",
			"DELETE FROM cost_rollups",
			"DELETE FROM attribution_links",
			"DELETE FROM churn_events",
			"DELETE FROM skip_cache",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
		}
		return nil
	})
}

func nsOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rangeClause restricts col to [since, until]; zero bounds are open.
func rangeClause(col string, since, until time.Time) (string, []any) {
	var (
		clause string
		args   []any
	)
	if !since.IsZero() {
		clause += " AND " + col + " >= ?"
		args = append(args, since.UnixNano())
	}
	if !until.IsZero() {
		clause += " AND " + col + " <= ?"
		args = append(args, until.UnixNano())
	}
	return clause, args
}
