package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted for a generation job.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusUnsuitable = "unsuitable"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// KindCourse is the default generation kind.
const KindCourse = "course"

// IsTerminalStatus reports whether no further lifecycle transition may follow status.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusUnsuitable, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// Job is a generation request persisted by the API and executed by a worker.
type Job struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Priority       string         `json:"priority"`
	UserID         string         `json:"user_id"`
	Prompt         string         `json:"prompt"`
	Options        map[string]any `json:"options"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	Result         map[string]any `json:"result,omitempty"`
	Message        *string        `json:"message,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Process maps the internal lifecycle onto the state reported to polling clients.
func (j Job) Process() State {
	switch j.Status {
	case StatusSucceeded:
		return StateCompleted
	case StatusUnsuitable:
		return StateUnsuitable
	case StatusFailed, StatusDeadLetter, StatusCancelled:
		return StateError
	default:
		return StatePending
	}
}

// Generation projects the job onto its client-facing view.
func (j Job) Generation() GenerationJob {
	g := GenerationJob{ID: j.ID, State: j.Process()}
	switch g.State {
	case StateCompleted:
		g.Result = j.Result
	case StateError, StateUnsuitable:
		if j.Message != nil {
			g.Message = *j.Message
		}
		if g.Message == "" && j.Status == StatusCancelled {
			g.Message = "generation cancelled"
		}
	}
	return g
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
