// Package store persists generation jobs. Postgres backs production; Memory
// serves local runs and tests with the same semantics.
package store

import (
	"errors"
	"time"

	"coursegen/internal/models"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when a write targets a job that already
	// reached a terminal status. The stored outcome is left untouched.
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Kind           string
	Priority       string
	UserID         string
	Prompt         string
	Options        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

func (p *CreateJobParams) applyDefaults(now time.Time) {
	if p.Kind == "" {
		p.Kind = models.KindCourse
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	if p.Options == nil {
		p.Options = map[string]any{}
	}
}

var terminalStatuses = []string{
	models.StatusSucceeded,
	models.StatusFailed,
	models.StatusUnsuitable,
	models.StatusCancelled,
	models.StatusDeadLetter,
}

// CancelledMessage is stored on jobs cancelled before they finished.
const CancelledMessage = "generation cancelled"

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
