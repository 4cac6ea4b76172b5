// Package source discovers assistant JSONL session files and parses their lines.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/tally/internal/model"
)

var (
	// ErrIgnoredKind marks a well-formed line whose kind carries no message
	// (summary, system, progress, file-history-snapshot, ...).
	ErrIgnoredKind = errors.New("ignored record kind")
	// ErrMalformed marks a line that cannot be ingested.
	ErrMalformed = errors.New("malformed line")
)

// lineNamespace seeds name-based ids for lines that carry no uuid.
var lineNamespace = uuid.MustParse("6f1c2a8e-5d0b-4f57-9a43-1e7b8d2c9f60")

// SessionHint is the session context a line reveals.
type SessionHint struct {
	ID          string
	Project     string
	ProjectName string
	Cwd         string
	Branch      string
}

// Parsed is the normalized form of one message line.
type Parsed struct {
	Message   model.Message
	ToolCalls []model.ToolCall
	Session   SessionHint
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, reason)
}

// Parse normalizes one raw log line.
//
// Routing by top-level "type":
//   - "user", "assistant" → full JSON decode into a Message
//   - any other kind      → ErrIgnoredKind
//   - invalid JSON, no kind, no session id → ErrMalformed
//
// Absent optional fields take defaults: zero tokens, zero timestamp,
// and a deterministic id derived from the line's position.
func Parse(line []byte, ctx LineContext) (Parsed, error) {
	kind := extractTopLevelType(line)
	if kind != "user" && kind != "assistant" {
		if !json.Valid(line) {
			return Parsed{}, malformed("invalid json")
		}
		if kind == "" {
			return Parsed{}, malformed("missing record type")
		}
		return Parsed{}, ErrIgnoredKind
	}

	var entry RawEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return Parsed{}, malformed(err.Error())
	}

	sessionID := entry.SessionID
	if ctx.SessionOverride != "" {
		sessionID = ctx.SessionOverride
	}
	if sessionID == "" {
		return Parsed{}, malformed("missing sessionId")
	}

	id := entry.UUID
	if id == "" {
		id = uuid.NewSHA1(lineNamespace, []byte(fmt.Sprintf("%s:%d", ctx.Path, ctx.Offset))).String()
	}

	ts, _ := time.Parse(time.RFC3339Nano, entry.Timestamp)

	msg := model.Message{
		ID:           id,
		SessionID:    sessionID,
		Role:         kind,
		Timestamp:    ts,
		ParentID:     entry.ParentUUID,
		SourcePath:   ctx.Path,
		SourceOffset: ctx.Offset,
	}

	if raw := entry.Message; raw != nil {
		if raw.Role != "" {
			msg.Role = raw.Role
		}
		if kind == "assistant" {
			msg.Model = raw.Model
			msg.RequestID = raw.ID
		}
		if u := raw.Usage; u != nil {
			msg.Tokens = model.TokenCounts{
				Input:      u.InputTokens,
				Output:     u.OutputTokens,
				CacheRead:  u.CacheReadInputTokens,
				CacheWrite: u.cacheWrite(),
			}
		}
		msg.Blocks = parseContent(raw.Content)
	}
	msg.Content = flattenText(msg.Blocks)

	return Parsed{
		Message:   msg,
		ToolCalls: toolCalls(msg),
		Session: SessionHint{
			ID:          sessionID,
			Project:     ctx.Project,
			ProjectName: ctx.ProjectName,
			Cwd:         entry.Cwd,
			Branch:      entry.GitBranch,
		},
	}, nil
}

// parseContent decodes string or array content into typed blocks.
// Blocks of unknown kind, or that fail to decode, are kept verbatim.
func parseContent(raw json.RawMessage) []model.Block {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return []model.Block{unrecognized("", raw)}
		}
		return []model.Block{{Kind: model.BlockText, Text: s}}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []model.Block{unrecognized("", raw)}
	}

	blocks := make([]model.Block, 0, len(items))
	for _, item := range items {
		var b rawBlock
		if err := json.Unmarshal(item, &b); err != nil {
			blocks = append(blocks, unrecognized("", item))
			continue
		}
		switch b.Type {
		case "text":
			blocks = append(blocks, model.Block{Kind: model.BlockText, Text: b.Text})
		case "thinking":
			blocks = append(blocks, model.Block{Kind: model.BlockThinking, Text: b.Thinking})
		case "tool_use":
			blocks = append(blocks, model.Block{
				Kind:     model.BlockToolUse,
				ToolID:   b.ID,
				ToolName: b.Name,
				Raw:      b.Input,
			})
		case "tool_result":
			blocks = append(blocks, model.Block{
				Kind:    model.BlockToolResult,
				ToolID:  b.ToolUseID,
				Text:    resultText(b.Content),
				IsError: b.IsError,
			})
		case "image":
			blocks = append(blocks, model.Block{Kind: model.BlockImage})
		default:
			blocks = append(blocks, unrecognized(b.Type, item))
		}
	}
	return blocks
}

func unrecognized(typ string, raw json.RawMessage) model.Block {
	return model.Block{
		Kind:         model.BlockUnrecognized,
		OriginalType: typ,
		Raw:          append(json.RawMessage(nil), raw...),
	}
}

// resultText flattens tool_result content, which is a string or an array
// of text blocks.
func resultText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var parts []rawBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// flattenText joins text blocks into the indexed content.
func flattenText(blocks []model.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Kind != model.BlockText || b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// toolCalls emits one record per tool_use and tool_result block.
func toolCalls(msg model.Message) []model.ToolCall {
	var calls []model.ToolCall
	for i, b := range msg.Blocks {
		switch b.Kind {
		case model.BlockToolUse:
			id := b.ToolID
			if id == "" {
				id = fmt.Sprintf("%s#tool%d", msg.ID, i)
			}
			calls = append(calls, model.ToolCall{
				ID:        id,
				MessageID: msg.ID,
				SessionID: msg.SessionID,
				Phase:     model.PhaseInvocation,
				Name:      b.ToolName,
				Category:  Category(b.ToolName),
				Files:     filesTouched(b.Raw),
				Timestamp: msg.Timestamp,
			})
		case model.BlockToolResult:
			if b.ToolID == "" {
				continue
			}
			calls = append(calls, model.ToolCall{
				ID:        b.ToolID + "#result",
				MessageID: msg.ID,
				SessionID: msg.SessionID,
				Phase:     model.PhaseResult,
				IsError:   b.IsError,
				Timestamp: msg.Timestamp,
			})
		}
	}
	return calls
}

func filesTouched(input json.RawMessage) []string {
	if len(input) == 0 {
		return nil
	}
	var in toolInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil
	}
	var files []string
	for _, p := range []string{in.FilePath, in.NotebookPath, in.Path} {
		if p != "" {
			files = append(files, p)
		}
	}
	for _, p := range in.Paths {
		if p != "" {
			files = append(files, p)
		}
	}
	return files
}

// Category maps a tool name to a coarse category.
func Category(name string) string {
	switch name {
	case "Read", "NotebookRead", "LS":
		return "read"
	case "Edit", "MultiEdit", "Write", "NotebookEdit":
		return "edit"
	case "Bash", "BashOutput", "KillShell":
		return "exec"
	case "Grep", "Glob":
		return "search"
	case "WebFetch", "WebSearch":
		return "web"
	case "Task", "Agent":
		return "agent"
	}
	if strings.HasPrefix(name, "mcp__") {
		return "mcp"
	}
	return "other"
}

// typeKey is the byte sequence for a JSON key named "type" (with quotes).
var typeKey = []byte(`"type"`)

// maxKindLen bounds the record kinds the scanner reports.
const maxKindLen = 40

// extractTopLevelType finds the top-level "type" field in a JSONL line.
// Tracks brace depth and string boundaries so nested "type" keys are ignored.
// Early-exits once found, so cost does not grow with line length.
func extractTopLevelType(line []byte) string {
	depth := 0
	for i := 0; i < len(line); {
		switch line[i] {
		case '"':
			if depth == 1 && bytes.HasPrefix(line[i:], typeKey) {
				val, isKey := classifyType(line, i+len(typeKey))
				if isKey {
					return val
				}
			}
			i = skipJSONString(line, i)
		case '{':
			depth++
			i++
		case '}':
			depth--
			i++
		default:
			i++
		}
	}
	return ""
}

// classifyType checks whether pos follows a JSON key (expects : then value).
// isKey=false means "type" appeared as a value and scanning should continue.
func classifyType(line []byte, pos int) (val string, isKey bool) {
	i := skipSpaces(line, pos)
	if i >= len(line) || line[i] != ':' {
		return "", false
	}
	i = skipSpaces(line, i+1)
	if i >= len(line) || line[i] != '"' {
		return "", true // non-string value
	}
	i++

	end := bytes.IndexByte(line[i:], '"')
	if end <= 0 || end > maxKindLen {
		return "", true
	}
	v := line[i : i+end]
	if bytes.IndexByte(v, '\\') >= 0 {
		return "", true
	}
	return string(v), true
}

// skipJSONString advances past a JSON string starting at the opening quote.
//
//nolint:gosec // manual bounds checking throughout
func skipJSONString(line []byte, i int) int {
	i++ // skip opening quote
	for i < len(line) {
		switch line[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipSpaces(line []byte, i int) int {
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return i
}
