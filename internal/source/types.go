package source

import "encoding/json"

// RawEntry represents a single line in an assistant JSONL session file.
type RawEntry struct {
	Type       string      `json:"type"`
	UUID       string      `json:"uuid,omitempty"`
	ParentUUID string      `json:"parentUuid,omitempty"`
	Timestamp  string      `json:"timestamp,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
	Cwd        string      `json:"cwd,omitempty"`
	GitBranch  string      `json:"gitBranch,omitempty"`
	Message    *RawMessage `json:"message,omitempty"`
}

// RawMessage is the message envelope carried by user and assistant lines.
type RawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *RawUsage       `json:"usage,omitempty"`
}

// RawUsage holds token counts from the API response.
type RawUsage struct {
	InputTokens              int64          `json:"input_tokens"`
	OutputTokens             int64          `json:"output_tokens"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens"`
	CacheCreation            *CacheCreation `json:"cache_creation,omitempty"`
}

// CacheCreation holds the breakdown of cache write tokens by TTL bucket.
type CacheCreation struct {
	Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
}

// cacheWrite returns total cache-write tokens, preferring the TTL breakdown.
func (u *RawUsage) cacheWrite() int64 {
	if u.CacheCreation != nil {
		if n := u.CacheCreation.Ephemeral5mInputTokens + u.CacheCreation.Ephemeral1hInputTokens; n > 0 {
			return n
		}
	}
	return u.CacheCreationInputTokens
}

// rawBlock is one element of an array-valued message content.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// toolInput holds the path-like fields tools commonly accept.
type toolInput struct {
	FilePath     string   `json:"file_path"`
	Path         string   `json:"path"`
	NotebookPath string   `json:"notebook_path"`
	Paths        []string `json:"paths"`
}

// DiscoveredFile represents a JSONL file found during directory scanning.
type DiscoveredFile struct {
	Path          string
	Project       string // decoded display name (e.g., "gitlore")
	ProjectDir    string // raw directory name
	SessionID     string // extracted from filename
	IsSubagent    bool
	ParentSession string // for subagents: parent session UUID
}

// LineContext carries where a line came from.
type LineContext struct {
	Path        string
	Offset      int64
	Project     string // raw project directory name
	ProjectName string
	// SessionOverride replaces the line's own sessionId. Subagent files
	// reuse their parent's sessionId, so they get a distinct one here.
	SessionOverride string
}

// Context returns the line context for a line of df at offset.
func (df DiscoveredFile) Context(offset int64) LineContext {
	ctx := LineContext{
		Path:        df.Path,
		Offset:      offset,
		Project:     df.ProjectDir,
		ProjectName: df.Project,
	}
	if df.IsSubagent {
		ctx.SessionOverride = df.SessionID
	}
	return ctx
}
