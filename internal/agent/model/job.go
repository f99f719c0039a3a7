package model

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

type JobKind string

const JobSummarize JobKind = "summarize"

// BackgroundJob is the typed record of a fire-and-forget follow-up task.
type BackgroundJob struct {
	ID           uuid.UUID
	UserID       int64
	Kind         JobKind
	AttemptCount int
	MaxAttempts  int
	Status       JobStatus
	Err          error
	CreatedAt    time.Time
	FinishedAt   time.Time
}

func NewBackgroundJob(userID int64, kind JobKind, maxAttempts int) *BackgroundJob {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &BackgroundJob{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        kind,
		MaxAttempts: maxAttempts,
		Status:      JobPending,
		CreatedAt:   time.Now(),
	}
}
