package model

import (
	"context"
	"time"
)

// Store is the system of record. Every mutation is a single transaction in
// the implementation; callers never see partial writes.
type Store interface {
	// GetProfile returns errx.ErrNotFound for unknown users.
	GetProfile(ctx context.Context, userID int64) (*Profile, error)
	// GetLatestSummary returns nil, nil when the user has no summary yet.
	GetLatestSummary(ctx context.Context, userID int64) (*Summary, error)
	// GetRecentMessages returns unsummarized messages in ascending id order,
	// keeping the newest limit entries. limit <= 0 returns all of them.
	GetRecentMessages(ctx context.Context, userID int64, limit int) ([]ChatMessage, error)
	// LoadContext reads profile, summary and recent messages in one read transaction.
	// A missing profile is reported as a nil Profile, not an error.
	LoadContext(ctx context.Context, userID int64, limit int) (*StoredContext, error)

	// SaveMessage persists msg, filling ID and Timestamp. User messages also
	// bump the daily message counter, resetting it on a new calendar day.
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	UpdateProfile(ctx context.Context, p *Profile) error
	// ApplySummary writes the rolling summary, prunes the summarized messages
	// and updates relationship counters in one transaction. A summary that does
	// not advance past the stored LastMessageID is rejected with
	// errx.ErrStaleUpdate and nothing is written.
	ApplySummary(ctx context.Context, upd SummaryUpdate) error

	// SaveMemory stores a fact unless the same fact is already remembered.
	SaveMemory(ctx context.Context, m *Memory) (bool, error)
	// SearchMemories matches facts case-insensitively, newest first. An empty
	// query matches everything and limit <= 0 means no limit.
	SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]Memory, error)
}

// SummaryUpdate is the unit of work of the summarization job.
type SummaryUpdate struct {
	UserID int64
	// Summary is empty when only the relationship counters change.
	Summary       string
	LastMessageID int64
	// ScoreDelta is added to the relationship score. With a summary the store
	// replaces it with the number of user messages it actually folds, so a
	// message is scored exactly once however many jobs race.
	ScoreDelta int
	// NewLevel is zero when the level does not change. The stored level
	// never moves down.
	NewLevel        int
	LevelUnlockedAt time.Time
}

func (u SummaryUpdate) HasSummary() bool {
	return u.Summary != "" && u.LastMessageID > 0
}
