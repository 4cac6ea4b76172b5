// Package model defines domain types for tally sessions, messages, and derived analytics.
package model

import (
	"encoding/json"
	"time"
)

// Role of a message author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TokenCounts holds token usage split by billing kind.
type TokenCounts struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
}

// Total returns the sum of all token kinds.
func (t TokenCounts) Total() int64 {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite
}

// IsZero reports whether no tokens were recorded.
func (t TokenCounts) IsZero() bool {
	return t.Total() == 0
}

// Add returns the element-wise sum of t and o.
func (t TokenCounts) Add(o TokenCounts) TokenCounts {
	return TokenCounts{
		Input:      t.Input + o.Input,
		Output:     t.Output + o.Output,
		CacheRead:  t.CacheRead + o.CacheRead,
		CacheWrite: t.CacheWrite + o.CacheWrite,
	}
}

// Session is one continuous assistant conversation.
type Session struct {
	ID          string
	Project     string // raw project directory name
	ProjectName string // decoded display name (e.g., "gitlore")
	Cwd         string
	Branch      string // git branch at start, empty if unknown
	FirstSeen   time.Time
	LastSeen    time.Time

	MessageCount     int
	Tokens           TokenCounts
	Cost             Money
	UnpricedMessages int
}

// Midpoint returns the middle of the session's activity window.
func (s Session) Midpoint() time.Time {
	return s.FirstSeen.Add(s.LastSeen.Sub(s.FirstSeen) / 2)
}

// BlockKind tags a content block variant.
type BlockKind string

// Recognized block kinds. Anything else is kept as BlockUnrecognized.
const (
	BlockText         BlockKind = "text"
	BlockThinking     BlockKind = "thinking"
	BlockToolUse      BlockKind = "tool_use"
	BlockToolResult   BlockKind = "tool_result"
	BlockImage        BlockKind = "image"
	BlockUnrecognized BlockKind = "unrecognized"
)

// Block is one typed entry in a message's content sequence.
type Block struct {
	Kind BlockKind `json:"kind"`

	Text string `json:"text,omitempty"`

	// tool_use / tool_result
	ToolID   string `json:"tool_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`

	// OriginalType and Raw preserve blocks of unknown kind verbatim.
	OriginalType string          `json:"original_type,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Message is one ingested log line.
type Message struct {
	ID        string
	SessionID string
	Ordinal   int64 // assigned by the store in ingestion order
	Role      string
	Content   string // flattened text blocks, the indexed projection
	Blocks    []Block
	Model     string
	RequestID string // API response id; streamed chunks of one response share it
	Tokens    TokenCounts
	Timestamp time.Time

	ParentID       string
	ParentResolved bool

	Cost       Money
	CostStatus CostStatus
	Billed     bool // the line currently carrying its request's usage

	SourcePath   string
	SourceOffset int64
}

// ToolPhase distinguishes an invocation from its result.
type ToolPhase string

// Tool call phases.
const (
	PhaseInvocation ToolPhase = "invocation"
	PhaseResult     ToolPhase = "result"
)

// ToolCall is a tool invocation or tool result emitted by a message.
type ToolCall struct {
	ID         string
	MessageID  string
	SessionID  string
	Phase      ToolPhase
	Name       string
	Category   string
	DurationMs int64 // filled on the invocation once its result is seen
	Files      []string
	IsError    bool
	Timestamp  time.Time
}
