package skipcache

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	return db
}

func writeFile(t *testing.T, path, content string) os.FileInfo {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info
}

func entryFor(t *testing.T, path string, offset int64) Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	require.NoError(t, err)
	fp, err := Fingerprint(f, offset)
	require.NoError(t, err)
	return Entry{Path: path, Offset: offset, Fingerprint: fp, Size: info.Size(), MtimeNs: info.ModTime().UnixNano()}
}

func check(t *testing.T, prev Entry, found bool) Decision {
	t.Helper()
	f, err := os.Open(prev.Path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	require.NoError(t, err)
	d, err := Check(prev, found, info, f)
	require.NoError(t, err)
	return d
}

func TestCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "line one\nline two\n")
	prev := entryFor(t, path, 18)

	t.Run("not found resets", func(t *testing.T) {
		d := check(t, Entry{Path: path}, false)
		assert.Equal(t, Reset, d.Action)
		assert.Zero(t, d.Offset)
	})

	t.Run("unchanged skips", func(t *testing.T) {
		d := check(t, prev, true)
		assert.Equal(t, Skip, d.Action)
	})

	t.Run("append resumes", func(t *testing.T) {
		writeFile(t, path, "line one\nline two\nline three\n")
		d := check(t, prev, true)
		assert.Equal(t, Resume, d.Action)
		assert.Equal(t, int64(18), d.Offset)
	})

	t.Run("truncation resets", func(t *testing.T) {
		writeFile(t, path, "line\n")
		d := check(t, prev, true)
		assert.Equal(t, Reset, d.Action)
	})

	t.Run("rewritten prefix resets", func(t *testing.T) {
		writeFile(t, path, "LINE ONE\nline two\nline three\n")
		d := check(t, prev, true)
		assert.Equal(t, Reset, d.Action)
	})
}

func TestFingerprint_BoundedWindows(t *testing.T) {
	big := strings.Repeat("x", 3*window)
	r := bytes.NewReader([]byte(big))

	a, err := Fingerprint(r, int64(len(big)))
	require.NoError(t, err)

	// A change in the unsampled middle is not detected; a change at either
	// end of the prefix is.
	mid := []byte(big)
	mid[len(mid)/2] = 'y'
	b, err := Fingerprint(bytes.NewReader(mid), int64(len(big)))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	tail := []byte(big)
	tail[len(tail)-1] = 'y'
	c, err := Fingerprint(bytes.NewReader(tail), int64(len(big)))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := Fingerprint(r, int64(len(big)-1))
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "offset is part of the fingerprint")

	empty, err := Fingerprint(r, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, empty)
}

func TestLedger_PutGet(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	l := NewLedger(db)

	_, found, err := l.Get(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, found)

	now := time.Unix(1700000000, 123)
	put := func(e Entry, reset bool) error {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback() }()
		if err := Put(ctx, tx, e, reset); err != nil {
			return err
		}
		return tx.Commit()
	}

	require.NoError(t, put(Entry{Path: "/a", Offset: 100, Fingerprint: "f1", Size: 120, MtimeNs: 7, LastSynced: now}, false))
	got, found, err := l.Get(ctx, "/a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), got.Offset)
	assert.Equal(t, "f1", got.Fingerprint)
	assert.True(t, got.LastSynced.Equal(now))

	err = put(Entry{Path: "/a", Offset: 50, Fingerprint: "f0"}, false)
	assert.ErrorIs(t, err, ErrRegression)

	got, _, err = l.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Offset, "rejected write left entry unchanged")

	require.NoError(t, put(Entry{Path: "/a", Offset: 10, Fingerprint: "f2"}, true))
	got, _, err = l.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Offset, "reset may lower the offset")

	require.NoError(t, put(Entry{Path: "/b", Offset: 1, Fingerprint: "f"}, false))
	all, err := l.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/a", all[0].Path)
	assert.Equal(t, "/b", all[1].Path)
}
