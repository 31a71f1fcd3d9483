package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursegen/internal/models"
)

type idempotencyEntry struct {
	jobID   string
	expires time.Time // zero means no expiry
}

// Memory keeps jobs in process memory. Contents are lost on restart.
type Memory struct {
	mutex sync.RWMutex
	jobs  map[string]*models.Job
	keys  map[string]idempotencyEntry
	audit map[string][]models.AuditLog

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*models.Job),
		keys:  make(map[string]idempotencyEntry),
		audit: make(map[string][]models.AuditLog),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	p.applyDefaults(now)

	if p.IdempotencyKey != "" {
		if e, ok := m.keys[p.IdempotencyKey]; ok && (e.expires.IsZero() || e.expires.After(now)) {
			if job, ok := m.jobs[e.jobID]; ok {
				return cloneJob(job), true, nil
			}
		}
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		Kind:           p.Kind,
		Priority:       p.Priority,
		UserID:         p.UserID,
		Prompt:         p.Prompt,
		Options:        cloneMap(p.Options),
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	if p.IdempotencyKey != "" {
		var expires time.Time
		if p.IdempotencyTTL > 0 {
			expires = now.Add(p.IdempotencyTTL)
		}
		m.keys[p.IdempotencyKey] = idempotencyEntry{jobID: job.ID, expires: expires}
	}
	return cloneJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if job, ok := m.jobs[id]; ok {
		return cloneJob(job), nil
	}
	return models.Job{}, ErrNotFound
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	e, ok := m.keys[key]
	if !ok || (!e.expires.IsZero() && !e.expires.After(m.now())) {
		return models.Job{}, false, nil
	}
	job, ok := m.jobs[e.jobID]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(job), true, nil
}

// update applies fn to a non-terminal job under the write lock.
func (m *Memory) update(id string, fn func(job *models.Job)) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if models.IsTerminalStatus(job.Status) {
		return ErrAlreadyTerminal
	}
	fn(job)
	job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkInProgress(_ context.Context, id, workerID string) error {
	return m.update(id, func(job *models.Job) {
		job.Status = models.StatusInProgress
		job.WorkerID = emptyToNil(workerID)
	})
}

func (m *Memory) Complete(_ context.Context, id string, result map[string]any) error {
	return m.update(id, func(job *models.Job) {
		job.Status = models.StatusSucceeded
		job.Result = cloneMap(result)
		job.Message = nil
	})
}

func (m *Memory) Finish(_ context.Context, id, status, message string) error {
	if !models.IsTerminalStatus(status) || status == models.StatusSucceeded {
		return fmt.Errorf("finish: %q is not a terminal failure status", status)
	}
	return m.update(id, func(job *models.Job) {
		job.Status = status
		job.Message = &message
	})
}

func (m *Memory) MarkCancelled(ctx context.Context, id string) error {
	return m.Finish(ctx, id, models.StatusCancelled, CancelledMessage)
}

func (m *Memory) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return m.update(id, func(job *models.Job) {
		job.Status = models.StatusQueued
		job.Attempts = attempts
		job.NextRunAt = nextRun
		job.Message = &lastErr
		job.WorkerID = nil
	})
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.audit[jobID] = append(m.audit[jobID], models.AuditLog{
		JobID:    jobID,
		Event:    event,
		Detail:   detail,
		Recorded: m.now(),
	})
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return append([]models.AuditLog(nil), m.audit[jobID]...), nil
}

func (m *Memory) VisibleJobs(_ context.Context) (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := m.now()
	var n int64
	for _, job := range m.jobs {
		if job.Status == models.StatusQueued && !job.NextRunAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() {}

// cloneJob copies a stored row so callers never share its maps or pointers.
func cloneJob(job *models.Job) models.Job {
	out := *job
	out.Options = cloneMap(job.Options)
	out.Result = cloneMap(job.Result)
	if job.Message != nil {
		msg := *job.Message
		out.Message = &msg
	}
	if job.WorkerID != nil {
		id := *job.WorkerID
		out.WorkerID = &id
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
