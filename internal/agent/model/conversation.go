package model

import (
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ChatMessage is one persisted turn of the dialogue.
type ChatMessage struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// Summary is the rolling digest of everything up to LastMessageID.
type Summary struct {
	UserID        int64     `json:"user_id" db:"user_id"`
	Summary       string    `json:"summary" db:"summary"`
	LastMessageID int64     `json:"last_message_id" db:"last_message_id"`
	Timestamp     time.Time `json:"timestamp" db:"created_at"`
}

// StoredContext is what the system of record returns for one user in a single
// logical read, and what the context cache key holds (minus the profile,
// which is cached on its own key).
type StoredContext struct {
	Profile  *Profile      `json:"profile,omitempty"`
	Summary  *Summary      `json:"summary,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// ConversationContext is built fresh for every request and owned by that
// request alone. Release drops the large fields once the request is done.
type ConversationContext struct {
	UserID             int64
	Profile            *Profile
	LatestSummary      *Summary
	RecentMessages     []ChatMessage
	PendingToolResults []ToolResult
}

func (c *ConversationContext) AppendToolResult(r ToolResult) {
	c.PendingToolResults = append(c.PendingToolResults, r)
}

func (c *ConversationContext) SummaryText() string {
	if c == nil || c.LatestSummary == nil {
		return ""
	}
	return c.LatestSummary.Summary
}

func (c *ConversationContext) Release() {
	if c == nil {
		return
	}
	c.LatestSummary = nil
	c.RecentMessages = nil
	c.PendingToolResults = nil
}
