// Package skipcache tracks how far each source file has been ingested.
//
// An entry records the byte offset just past the last consumed line and a
// fingerprint of the bytes before it. A file whose size and mtime still
// match is skipped without reading; one whose prefix no longer matches the
// fingerprint was truncated or rewritten and is re-read from offset 0.
package skipcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Schema creates the ledger table. The store runs it with its own schema.
const Schema = `
CREATE TABLE IF NOT EXISTS skip_cache (
	path        TEXT PRIMARY KEY,
	byte_offset INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	size        INTEGER NOT NULL,
	mtime_ns    INTEGER NOT NULL,
	last_synced INTEGER NOT NULL
);
`

// window is how many bytes at each end of the prefix feed the fingerprint.
const window = 4096

// ErrRegression is returned when a write would lower an offset without a reset.
var ErrRegression = errors.New("skip-cache offset would decrease")

// Entry is the progress record for one source file.
type Entry struct {
	Path        string
	Offset      int64
	Fingerprint string
	Size        int64
	MtimeNs     int64
	LastSynced  time.Time
}

// Action is what a sync should do with a file.
type Action int

// Actions returned by Check.
const (
	Skip   Action = iota // unchanged since last sync
	Resume               // prefix intact, read from Offset
	Reset                // new, truncated or rewritten, read from 0
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Resume:
		return "resume"
	case Reset:
		return "reset"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Decision is the outcome of Check.
type Decision struct {
	Action Action
	Offset int64
}

// Check compares a file's current state against its stored entry. r is
// read only when size or mtime changed, and then only for the fingerprint.
func Check(prev Entry, found bool, info os.FileInfo, r io.ReaderAt) (Decision, error) {
	if !found {
		return Decision{Action: Reset}, nil
	}
	if info.Size() == prev.Size && info.ModTime().UnixNano() == prev.MtimeNs {
		return Decision{Action: Skip, Offset: prev.Offset}, nil
	}
	if info.Size() < prev.Offset {
		return Decision{Action: Reset}, nil
	}
	fp, err := Fingerprint(r, prev.Offset)
	if err != nil {
		return Decision{}, err
	}
	if fp != prev.Fingerprint {
		return Decision{Action: Reset}, nil
	}
	return Decision{Action: Resume, Offset: prev.Offset}, nil
}

// Fingerprint hashes the bytes [0, offset) of r: the offset itself plus
// the first and last window bytes of that prefix.
func Fingerprint(r io.ReaderAt, offset int64) (string, error) {
	h := sha256.New()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(offset)) //nolint:gosec // offset is non-negative
	h.Write(lenBuf[:])

	if offset > 0 {
		n := min(offset, window)
		buf := make([]byte, n)

		if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("fingerprint head: %w", err)
		}
		h.Write(buf)

		if _, err := r.ReadAt(buf, offset-n); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("fingerprint tail: %w", err)
		}
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ledger reads entries from the store database.
type Ledger struct {
	db querier
}

// NewLedger returns a ledger over db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Get returns the entry for path and whether one exists.
func (l *Ledger) Get(ctx context.Context, path string) (Entry, bool, error) {
	return get(ctx, l.db, path)
}

func get(ctx context.Context, q querier, path string) (Entry, bool, error) {
	var (
		e      Entry
		synced int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT path, byte_offset, fingerprint, size, mtime_ns, last_synced FROM skip_cache WHERE path = ?`, path,
	).Scan(&e.Path, &e.Offset, &e.Fingerprint, &e.Size, &e.MtimeNs, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading skip-cache entry: %w", err)
	}
	e.LastSynced = time.Unix(0, synced)
	return e, true, nil
}

// All returns every entry, ordered by path.
func (l *Ledger) All(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT path, byte_offset, fingerprint, size, mtime_ns, last_synced FROM skip_cache ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing skip-cache: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			synced int64
		)
		if err := rows.Scan(&e.Path, &e.Offset, &e.Fingerprint, &e.Size, &e.MtimeNs, &synced); err != nil {
			return nil, err
		}
		e.LastSynced = time.Unix(0, synced)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Put writes e inside tx so the advance commits with the batch it covers.
// Unless reset is set, an entry that would lower the stored offset is
// rejected with ErrRegression.
func Put(ctx context.Context, tx execer, e Entry, reset bool) error {
	if !reset {
		prev, found, err := get(ctx, tx, e.Path)
		if err != nil {
			return err
		}
		if found && e.Offset < prev.Offset {
			return fmt.Errorf("%w: %s %d -> %d", ErrRegression, e.Path, prev.Offset, e.Offset)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO skip_cache (path, byte_offset, fingerprint, size, mtime_ns, last_synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			fingerprint = excluded.fingerprint,
			size = excluded.size,
			mtime_ns = excluded.mtime_ns,
			last_synced = excluded.last_synced`,
		e.Path, e.Offset, e.Fingerprint, e.Size, e.MtimeNs, e.LastSynced.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("writing skip-cache entry: %w", err)
	}
	return nil
}
