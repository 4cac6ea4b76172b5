package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/theirongolddev/tally/internal/cost"
	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/skipcache"
)

// Record is one parsed message with its session context and tool calls.
// Session carries only the identity hints of the line (id, project, cwd,
// branch); counters are maintained by the store.
type Record struct {
	Session   model.Session
	Message   model.Message
	ToolCalls []model.ToolCall
}

// Batch is the unit of one write transaction.
type Batch struct {
	Records []Record
	// Progress, when set, is written in the same transaction.
	Progress *skipcache.Entry
	// ResetProgress allows Progress to lower the stored offset.
	ResetProgress bool
}

// BatchResult reports what a batch changed.
type BatchResult struct {
	Inserted   int // messages new to the store
	Duplicates int // messages already present, left untouched
}

// ApplyBatch writes a batch atomically. Messages are keyed by id, so
// replaying a batch inserts nothing and applies no deltas.
func (s *Store) ApplyBatch(ctx context.Context, b Batch) (BatchResult, error) {
	var res BatchResult
	err := s.write(ctx, func(tx *sql.Tx) error {
		res = BatchResult{}
		for _, r := range b.Records {
			inserted, err := applyRecord(ctx, tx, r)
			if err != nil {
				return fmt.Errorf("message %s: %w", r.Message.ID, err)
			}
			if inserted {
				res.Inserted++
			} else {
				res.Duplicates++
			}
		}
		if b.Progress != nil {
			return skipcache.Put(ctx, tx, *b.Progress, b.ResetProgress)
		}
		return nil
	})
	return res, err
}

func applyRecord(ctx context.Context, tx *sql.Tx, r Record) (bool, error) {
	sess := r.Session
	msg := r.Message
	if sess.ID == "" {
		sess.ID = msg.SessionID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, project, project_name, cwd, branch)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cwd = CASE WHEN sessions.cwd = '' THEN excluded.cwd ELSE sessions.cwd END,
			branch = CASE WHEN sessions.branch = '' THEN excluded.branch ELSE sessions.branch END`,
		sess.ID, sess.Project, sess.ProjectName, sess.Cwd, sess.Branch,
	)
	if err != nil {
		return false, fmt.Errorf("upserting session: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", msg.ID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if msg.ParentID != "" {
		var n int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE id = ? AND session_id = ?", msg.ParentID, msg.SessionID,
		).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("resolving parent: %w", err)
		}
		msg.ParentResolved = n > 0
	}

	msg.Billed = cost.Billable(msg)

	blocks, err := json.Marshal(blocksOrEmpty(msg.Blocks))
	if err != nil {
		return false, fmt.Errorf("encoding blocks: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, session_id, ordinal, role, content, blocks, model, request_id,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			ts_ns, parent_id, parent_resolved, cost, cost_status, billed,
			source_path, source_offset)
		VALUES (?, ?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM messages WHERE session_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.SessionID, msg.SessionID, msg.Role, msg.Content, string(blocks), msg.Model, msg.RequestID,
		msg.Tokens.Input, msg.Tokens.Output, msg.Tokens.CacheRead, msg.Tokens.CacheWrite,
		nsOrNull(msg.Timestamp), msg.ParentID, boolInt(msg.ParentResolved), int64(msg.Cost), string(msg.CostStatus),
		boolInt(msg.Billed), msg.SourcePath, msg.SourceOffset,
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := bumpSession(ctx, tx, msg); err != nil {
		return false, err
	}

	if msg.Billed {
		if msg.RequestID != "" {
			if err := supersede(ctx, tx, msg, sess.Project); err != nil {
				return false, err
			}
		}
		if err := applyBilling(ctx, tx, msg, sess.Project, 1); err != nil {
			return false, err
		}
	}

	for _, tc := range r.ToolCalls {
		if err := insertToolCall(ctx, tx, tc); err != nil {
			return false, err
		}
	}
	return true, nil
}

func blocksOrEmpty(b []model.Block) []model.Block {
	if b == nil {
		return []model.Block{}
	}
	return b
}

// bumpSession counts the message and widens the session window.
func bumpSession(ctx context.Context, tx *sql.Tx, msg model.Message) error {
	ts := nsOrNull(msg.Timestamp)
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = message_count + 1,
			first_seen_ns = CASE WHEN ?1 IS NULL THEN first_seen_ns
				WHEN first_seen_ns IS NULL OR ?1 < first_seen_ns THEN ?1 ELSE first_seen_ns END,
			last_seen_ns = CASE WHEN ?1 IS NULL THEN last_seen_ns
				WHEN last_seen_ns IS NULL OR ?1 > last_seen_ns THEN ?1 ELSE last_seen_ns END
		WHERE id = ?2`,
		ts, msg.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session window: %w", err)
	}
	return nil
}

// supersede unbills an earlier line of the same API response. Streamed
// responses repeat their usage on every chunk; the latest line carries it.
func supersede(ctx context.Context, tx *sql.Tx, msg model.Message, project string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE session_id = ? AND request_id = ? AND billed = 1 AND id != ?`,
		msg.SessionID, msg.RequestID, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("finding superseded usage: %w", err)
	}
	var prior []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		prior = append(prior, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, old := range prior {
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET billed = 0 WHERE id = ?", old.ID); err != nil {
			return fmt.Errorf("unbilling %s: %w", old.ID, err)
		}
		if err := applyBilling(ctx, tx, old, project, -1); err != nil {
			return err
		}
	}
	return nil
}

// applyBilling adds (sign=1) or removes (sign=-1) a billed message's usage
// from its session totals and its rollup bucket.
func applyBilling(ctx context.Context, tx *sql.Tx, msg model.Message, project string, sign int64) error {
	d := cost.Delta(msg, project)
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_write_tokens = cache_write_tokens + ?,
			cost = cost + ?,
			unpriced = unpriced + ?
		WHERE id = ?`,
		sign*d.Tokens.Input, sign*d.Tokens.Output, sign*d.Tokens.CacheRead, sign*d.Tokens.CacheWrite,
		sign*int64(d.Cost), sign*int64(d.Unpriced), msg.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session totals: %w", err)
	}
	return addRollup(ctx, tx, d, sign)
}

func addRollup(ctx context.Context, tx *sql.Tx, d model.CostRollup, sign int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cost_rollups (date, project, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost, messages, unpriced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, project, model) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
			cache_write_tokens = cache_write_tokens + excluded.cache_write_tokens,
			cost = cost + excluded.cost,
			messages = messages + excluded.messages,
			unpriced = unpriced + excluded.unpriced`,
		d.Date, d.Project, d.Model,
		sign*d.Tokens.Input, sign*d.Tokens.Output, sign*d.Tokens.CacheRead, sign*d.Tokens.CacheWrite,
		sign*int64(d.Cost), sign*int64(d.Messages), sign*int64(d.Unpriced),
	)
	if err != nil {
		return fmt.Errorf("updating rollup: %w", err)
	}
	if sign > 0 {
		return nil
	}
	// Buckets emptied by unbilling are dropped; a recompute never produces them.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cost_rollups WHERE date = ? AND project = ? AND model = ? AND messages = 0",
		d.Date, d.Project, d.Model); err != nil {
		return fmt.Errorf("pruning rollup: %w", err)
	}
	return nil
}

func insertToolCall(ctx context.Context, tx *sql.Tx, tc model.ToolCall) error {
	files, err := json.Marshal(filesOrEmpty(tc.Files))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_calls (id, message_id, session_id, phase, name, category, duration_ms, files, is_error, ts_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		tc.ID, tc.MessageID, tc.SessionID, string(tc.Phase), tc.Name, tc.Category,
		tc.DurationMs, string(files), boolInt(tc.IsError), nsOrNull(tc.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call %s: %w", tc.ID, err)
	}

	invocationID := tc.ID
	if tc.Phase == model.PhaseResult {
		invocationID = strings.TrimSuffix(tc.ID, "#result")
	}
	return pairToolCall(ctx, tx, invocationID)
}

func filesOrEmpty(f []string) []string {
	if f == nil {
		return []string{}
	}
	return f
}

// pairToolCall links an invocation with its result once both exist: the
// invocation gets its duration, the result inherits name and category.
func pairToolCall(ctx context.Context, tx *sql.Tx, invocationID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tool_calls SET duration_ms = (
			SELECT MAX(0, (r.ts_ns - tool_calls.ts_ns) / 1000000)
			FROM tool_calls r WHERE r.id = ?1 || '#result' AND r.ts_ns IS NOT NULL)
		WHERE id = ?1 AND phase = 'invocation' AND ts_ns IS NOT NULL
			AND EXISTS (SELECT 1 FROM tool_calls r WHERE r.id = ?1 || '#result' AND r.ts_ns IS NOT NULL)`,
		invocationID,
	)
	if err != nil {
		return fmt.Errorf("pairing tool call: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tool_calls SET
			name = (SELECT i.name FROM tool_calls i WHERE i.id = ?1),
			category = (SELECT i.category FROM tool_calls i WHERE i.id = ?1)
		WHERE id = ?1 || '#result' AND name = ''
			AND EXISTS (SELECT 1 FROM tool_calls i WHERE i.id = ?1)`,
		invocationID,
	)
	if err != nil {
		return fmt.Errorf("pairing tool result: %w", err)
	}
	return nil
}
