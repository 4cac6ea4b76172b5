package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/tally/internal/cost"
	"github.com/theirongolddev/tally/internal/model"
)

// RollupFilter narrows Rollups. Dates are inclusive YYYY-MM-DD bounds.
type RollupFilter struct {
	Project string
	Since   string
	Until   string
}

// Rollups returns cost buckets ordered by date, project and model.
func (s *Store) Rollups(ctx context.Context, f RollupFilter) ([]model.CostRollup, error) {
	q := `SELECT date, project, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		cost, messages, unpriced FROM cost_rollups WHERE 1 = 1`
	var args []any
	if f.Project != "" {
		q += " AND project = ?"
		args = append(args, f.Project)
	}
	if f.Since != "" {
		q += " AND date >= ?"
		args = append(args, f.Since)
	}
	if f.Until != "" {
		q += " AND date <= ?"
		args = append(args, f.Until)
	}
	q += " ORDER BY date, project, model"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reading rollups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CostRollup
	for rows.Next() {
		var (
			r model.CostRollup
			c int64
		)
		if err := rows.Scan(&r.Date, &r.Project, &r.Model, &r.Tokens.Input, &r.Tokens.Output,
			&r.Tokens.CacheRead, &r.Tokens.CacheWrite, &c, &r.Messages, &r.Unpriced); err != nil {
			return nil, err
		}
		r.Cost = model.Money(c)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CostBySession sums billed usage per session over messages timestamped
// in [since, until]. Zero bounds are open.
func (s *Store) CostBySession(ctx context.Context, since, until time.Time) ([]model.CostLine, error) {
	clause, args := rangeClause("ts_ns", since, until)
	if since.IsZero() && until.IsZero() {
		clause = ""
	} else {
		clause = " AND ts_ns IS NOT NULL" + clause
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, SUM(input_tokens), SUM(output_tokens), SUM(cache_read_tokens), SUM(cache_write_tokens),
			SUM(cost), COUNT(*), SUM(cost_status = 'unpriced')
		FROM messages WHERE billed = 1`+clause+`
		GROUP BY session_id ORDER BY SUM(cost) DESC, session_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("summing session costs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CostLine
	for rows.Next() {
		var (
			l model.CostLine
			c int64
		)
		if err := rows.Scan(&l.Key, &l.Tokens.Input, &l.Tokens.Output, &l.Tokens.CacheRead, &l.Tokens.CacheWrite,
			&c, &l.Messages, &l.Unpriced); err != nil {
			return nil, err
		}
		l.Cost = model.Money(c)
		out = append(out, l)
	}
	return out, rows.Err()
}

// MessageCostTotals sums billed per-message cost and tokens by project.
func (s *Store) MessageCostTotals(ctx context.Context) (map[string]cost.Totals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.project, SUM(m.cost),
			SUM(m.input_tokens + m.output_tokens + m.cache_read_tokens + m.cache_write_tokens)
		FROM messages m JOIN sessions s ON s.id = m.session_id
		WHERE m.billed = 1
		GROUP BY s.project`)
	if err != nil {
		return nil, fmt.Errorf("summing message costs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]cost.Totals)
	for rows.Next() {
		var (
			project string
			c, tok  int64
		)
		if err := rows.Scan(&project, &c, &tok); err != nil {
			return nil, err
		}
		out[project] = cost.Totals{Cost: model.Money(c), Tokens: tok}
	}
	return out, rows.Err()
}

// RecomputeRollups rebuilds every rollup bucket from the stored billed
// messages, using the same delta the incremental path applies.
func (s *Store) RecomputeRollups(ctx context.Context) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+prefixed("m", messageCols)+`, s.project
			FROM messages m JOIN sessions s ON s.id = m.session_id
			WHERE m.billed = 1`)
		if err != nil {
			return fmt.Errorf("reading billed messages: %w", err)
		}
		type key struct{ date, project, model string }
		buckets := make(map[key]model.CostRollup)
		for rows.Next() {
			var project string
			m, err := scanMessage(withExtra(rows, &project))
			if err != nil {
				_ = rows.Close()
				return err
			}
			d := cost.Delta(m, project)
			k := key{d.Date, d.Project, d.Model}
			b := buckets[k]
			b.Date, b.Project, b.Model = d.Date, d.Project, d.Model
			b.Tokens = b.Tokens.Add(d.Tokens)
			b.Cost += d.Cost
			b.Messages += d.Messages
			b.Unpriced += d.Unpriced
			buckets[k] = b
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		if _, err := tx.ExecContext(ctx, "DELETE FROM cost_rollups"); err != nil {
			return err
		}
		for _, b := range buckets {
			if err := addRollup(ctx, tx, b, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAttribution swaps a project's attribution links for links.
func (s *Store) ReplaceAttribution(ctx context.Context, project string, links []model.AttributionLink) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM attribution_links WHERE project = ?", project); err != nil {
			return err
		}
		for _, l := range links {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attribution_links (project, commit_hash, session_id, basis, commit_ns, distance_secs)
				VALUES (?, ?, ?, ?, ?, ?)`,
				project, l.CommitHash, l.SessionID, l.Basis, l.CommitTime.UnixNano(), l.DistanceSecs)
			if err != nil {
				return fmt.Errorf("inserting link %s: %w", l.CommitHash, err)
			}
		}
		return nil
	})
}

// Links returns a project's attribution links with commit time in range.
func (s *Store) Links(ctx context.Context, project string, since, until time.Time) ([]model.AttributionLink, error) {
	clause, args := rangeClause("commit_ns", since, until)
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, commit_hash, session_id, basis, commit_ns, distance_secs
		FROM attribution_links WHERE project = ?`+clause+` ORDER BY commit_ns, commit_hash`,
		append([]any{project}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("reading attribution: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AttributionLink
	for rows.Next() {
		var (
			l  model.AttributionLink
			ns int64
		)
		if err := rows.Scan(&l.Project, &l.CommitHash, &l.SessionID, &l.Basis, &ns, &l.DistanceSecs); err != nil {
			return nil, err
		}
		l.CommitTime = time.Unix(0, ns).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReplaceChurn swaps a project's churn events for records.
func (s *Store) ReplaceChurn(ctx context.Context, project string, records []model.ChurnRecord) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM churn_events WHERE project = ?", project); err != nil {
			return err
		}
		for _, c := range records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO churn_events (project, original_commit, churn_commit, session_id, file,
					original_start, original_end, churn_start, churn_end, original_ns, churn_ns)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				project, c.OriginalCommit, c.ChurnCommit, c.SessionID, c.File,
				c.OriginalStart, c.OriginalEnd, c.ChurnStart, c.ChurnEnd,
				c.OriginalTime.UnixNano(), c.ChurnTime.UnixNano())
			if err != nil {
				return fmt.Errorf("inserting churn event: %w", err)
			}
		}
		return nil
	})
}

// Churn returns a project's churn events with churn time in range.
func (s *Store) Churn(ctx context.Context, project string, since, until time.Time) ([]model.ChurnRecord, error) {
	clause, args := rangeClause("churn_ns", since, until)
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, original_commit, churn_commit, session_id, file,
			original_start, original_end, churn_start, churn_end, original_ns, churn_ns
		FROM churn_events WHERE project = ?`+clause+`
		ORDER BY churn_ns, original_commit, file, original_start`,
		append([]any{project}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("reading churn: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChurnRecord
	for rows.Next() {
		var (
			c        model.ChurnRecord
			orig, ch int64
		)
		if err := rows.Scan(&c.Project, &c.OriginalCommit, &c.ChurnCommit, &c.SessionID, &c.File,
			&c.OriginalStart, &c.OriginalEnd, &c.ChurnStart, &c.ChurnEnd, &orig, &ch); err != nil {
			return nil, err
		}
		c.OriginalTime = time.Unix(0, orig).UTC()
		c.ChurnTime = time.Unix(0, ch).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertHealthSnapshot appends a snapshot. An existing (project, timestamp)
// yields ErrConflict and leaves the stored snapshot untouched.
func (s *Store) InsertHealthSnapshot(ctx context.Context, snap model.HealthSnapshot) error {
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM health_snapshots WHERE project = ? AND ts_ns = ?",
			snap.Project, snap.Timestamp.UnixNano(),
		).Scan(&one)
		if err == nil {
			return fmt.Errorf("snapshot %s@%s: %w", snap.Project, snap.Timestamp.Format(time.RFC3339Nano), ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO health_snapshots (id, project, ts_ns, metrics) VALUES (?, ?, ?, ?)",
			snap.ID, snap.Project, snap.Timestamp.UnixNano(), string(metrics))
		return err
	})
}

// HealthSnapshots returns a project's snapshots in [since, until], oldest first.
func (s *Store) HealthSnapshots(ctx context.Context, project string, since, until time.Time) ([]model.HealthSnapshot, error) {
	clause, args := rangeClause("ts_ns", since, until)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project, ts_ns, metrics FROM health_snapshots WHERE project = ?"+clause+" ORDER BY ts_ns",
		append([]any{project}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("reading health snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.HealthSnapshot
	for rows.Next() {
		var (
			h       model.HealthSnapshot
			ns      int64
			metrics string
		)
		if err := rows.Scan(&h.ID, &h.Project, &ns, &metrics); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metrics), &h.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics of %s: %w", h.ID, err)
		}
		h.Timestamp = time.Unix(0, ns).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
