package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/theirongolddev/tally/internal/model"
)

const sessionCols = `id, project, project_name, cwd, branch, first_seen_ns, last_seen_ns,
	message_count, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost, unpriced`

const messageCols = `id, session_id, ordinal, role, content, blocks, model, request_id,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, ts_ns,
	parent_id, parent_resolved, cost, cost_status, billed, source_path, source_offset`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		s           model.Session
		first, last sql.NullInt64
		c           int64
	)
	err := row.Scan(&s.ID, &s.Project, &s.ProjectName, &s.Cwd, &s.Branch, &first, &last,
		&s.MessageCount, &s.Tokens.Input, &s.Tokens.Output, &s.Tokens.CacheRead, &s.Tokens.CacheWrite,
		&c, &s.UnpricedMessages)
	if err != nil {
		return model.Session{}, err
	}
	s.FirstSeen = fromNS(first)
	s.LastSeen = fromNS(last)
	s.Cost = model.Money(c)
	return s, nil
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		m              model.Message
		blocks, status string
		ts             sql.NullInt64
		resolved       int
		billed         int
		c              int64
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.Ordinal, &m.Role, &m.Content, &blocks, &m.Model, &m.RequestID,
		&m.Tokens.Input, &m.Tokens.Output, &m.Tokens.CacheRead, &m.Tokens.CacheWrite, &ts,
		&m.ParentID, &resolved, &c, &status, &billed, &m.SourcePath, &m.SourceOffset)
	if err != nil {
		return model.Message{}, err
	}
	if err := json.Unmarshal([]byte(blocks), &m.Blocks); err != nil {
		return model.Message{}, fmt.Errorf("decoding blocks of %s: %w", m.ID, err)
	}
	m.Timestamp = fromNS(ts)
	m.ParentResolved = resolved == 1
	m.Cost = model.Money(c)
	m.CostStatus = model.CostStatus(status)
	m.Billed = billed == 1
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSession returns one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, "SELECT "+sessionCols+" FROM sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// ListSessions returns sessions matching f, most recent first. A session
// matches a time range when its window overlaps it.
func (s *Store) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "(project = ? OR project_name = ?)")
		args = append(args, f.Project, f.Project)
	}
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, f.Branch)
	}
	if !f.Since.IsZero() {
		where = append(where, "last_seen_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "first_seen_ns <= ?")
		args = append(args, f.Until.UnixNano())
	}

	q := "SELECT " + sessionCols + " FROM sessions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY first_seen_ns DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Projects returns the distinct project identifiers with at least one session.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT project FROM sessions ORDER BY project")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Messages returns a session's messages in ordinal order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE session_id = ? ORDER BY ordinal", sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return collectMessages(rows)
}

// MessagesInRange returns messages timestamped in [since, until], oldest first.
func (s *Store) MessagesInRange(ctx context.Context, since, until time.Time) ([]model.Message, error) {
	clause, args := rangeClause("ts_ns", since, until)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE ts_ns IS NOT NULL"+clause+" ORDER BY ts_ns, session_id, ordinal",
		args...)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return collectMessages(rows)
}

// ToolCalls returns the tool calls emitted by a message.
func (s *Store) ToolCalls(ctx context.Context, messageID string) ([]model.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, phase, name, category, duration_ms, files, is_error, ts_ns
		FROM tool_calls WHERE message_id = ? ORDER BY rowid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("reading tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolCall
	for rows.Next() {
		var (
			tc    model.ToolCall
			phase string
			files string
			isErr int
			ts    sql.NullInt64
		)
		if err := rows.Scan(&tc.ID, &tc.MessageID, &tc.SessionID, &phase, &tc.Name, &tc.Category,
			&tc.DurationMs, &files, &isErr, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &tc.Files); err != nil {
			return nil, fmt.Errorf("decoding files of %s: %w", tc.ID, err)
		}
		tc.Phase = model.ToolPhase(phase)
		tc.IsError = isErr == 1
		tc.Timestamp = fromNS(ts)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Search runs a full-text query over message content. Each hit carries up
// to contextWindow messages on either side from the same session.
func (s *Store) Search(ctx context.Context, query string, contextWindow, limit int) ([]model.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if containsCJK(query) {
		// unicode61 does not segment CJK text into words
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+prefixed("m", messageCols)+`, s.project, '' AS snip, 0.0 AS rank
			FROM messages m JOIN sessions s ON s.id = m.session_id
			WHERE m.content LIKE ? ESCAPE '\'
			ORDER BY m.ts_ns DESC
			LIMIT ?`, "%"+likeEscape(query)+"%", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+prefixed("m", messageCols)+`, s.project,
				snippet(messages_fts, 0, '>>>', '<<<', '...', 16) AS snip,
				bm25(messages_fts) AS rank
			FROM messages_fts
			JOIN messages m ON m.rowid = messages_fts.rowid
			JOIN sessions s ON s.id = m.session_id
			WHERE messages_fts MATCH ?
			ORDER BY rank
			LIMIT ?`, ftsQuery(query), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}

	var hits []model.SearchHit
	for rows.Next() {
		var (
			project, snip string
			rank          float64
		)
		msg, err := scanMessage(withExtra(rows, &project, &snip, &rank))
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		if snip == "" {
			snip = makeSnippet(msg.Content, query, 40)
		}
		hits = append(hits, model.SearchHit{
			Message:   msg,
			SessionID: msg.SessionID,
			Project:   project,
			Snippet:   snip,
			Rank:      rank,
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range hits {
		ctxMsgs, err := s.window(ctx, hits[i].SessionID, hits[i].Message.Ordinal, contextWindow)
		if err != nil {
			return nil, err
		}
		hits[i].Context = ctxMsgs
	}
	return hits, nil
}

// window returns the messages within w ordinals of ordinal, in order.
func (s *Store) window(ctx context.Context, sessionID string, ordinal int64, w int) ([]model.Message, error) {
	if w < 0 {
		w = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE session_id = ? AND ordinal BETWEEN ? AND ?
		ORDER BY ordinal`, sessionID, ordinal-int64(w), ordinal+int64(w))
	if err != nil {
		return nil, fmt.Errorf("reading context window: %w", err)
	}
	return collectMessages(rows)
}

// extraScanner scans trailing columns after a row's leading ones.
type extraScanner struct {
	row   scanner
	extra []any
}

func (e extraScanner) Scan(dest ...any) error {
	return e.row.Scan(append(dest, e.extra...)...)
}

func withExtra(row scanner, extra ...any) scanner {
	return extraScanner{row: row, extra: extra}
}

// prefixed qualifies every column in a column list with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ftsQuery quotes each term so user input is matched literally; terms are ANDed.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// likeEscape makes LIKE wildcards in q match literally under ESCAPE '\'.
func likeEscape(q string) string {
	return likeEscaper.Replace(q)
}

// containsCJK returns true if the string contains any CJK Unified Ideograph.
func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// makeSnippet extracts a snippet around the first occurrence of query in text.
func makeSnippet(text, query string, contextChars int) string {
	runes := []rune(text)
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		if len(runes) > contextChars*2 {
			return string(runes[:contextChars*2]) + "..."
		}
		return text
	}
	if idx > len(text) {
		idx = len(text)
	}
	runePos := len([]rune(text[:idx]))
	qLen := len([]rune(query))
	start := max(runePos-contextChars, 0)
	end := min(runePos+qLen+contextChars, len(runes))
	if runePos+qLen > len(runes) {
		qLen = len(runes) - runePos
	}

	prefix, suffix := "", ""
	if start > 0 {
		prefix = "..."
	}
	if end < len(runes) {
		suffix = "..."
	}
	return prefix + string(runes[start:runePos]) +
		">>>" + string(runes[runePos:runePos+qLen]) + "<<<" +
		string(runes[runePos+qLen:end]) + suffix
}
