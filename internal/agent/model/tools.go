package model

import "time"

// ToolCall is a model-requested invocation of a registered tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult records one dispatched tool call. Output holds either the tool's
// structured result or a structured error ({"error": kind, "message": ...}).
type ToolResult struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Output    map[string]any `json:"output"`
	IsError   bool           `json:"is_error"`
	EmittedAt time.Time      `json:"emitted_at"`
	// Err keeps the typed failure for callers; it is not persisted.
	Err error `json:"-"`
}

// Memory is a long-term fact remembered about a user.
type Memory struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Fact      string    `json:"fact" db:"fact"`
	Category  *string   `json:"category,omitempty" db:"category"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}
