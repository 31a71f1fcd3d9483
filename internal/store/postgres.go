package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursegen/internal/models"
)

// Postgres wraps pgxpool for generation job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, kind, priority, user_id, prompt, options, status, attempts, max_attempts,
	next_run_at, result, message, idempotency_key, worker_id, created_at, updated_at`

// CreateJob inserts a job row, honoring idempotency if provided.
// The boolean reports whether an existing job was reused.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	now := time.Now().UTC()
	p.applyDefaults(now)

	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal options: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	id := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (id, kind, priority, user_id, prompt, options, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
	`, id, p.Kind, p.Priority, p.UserID, p.Prompt, optionsJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := now.Add(p.IdempotencyTTL)
			expires = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Lost the race for the key; hand back the winner.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Kind:           p.Kind,
		Priority:       p.Priority,
		UserID:         p.UserID,
		Prompt:         p.Prompt,
		Options:        p.Options,
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id. Unknown or malformed ids yield ErrNotFound.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		optionsJSON []byte
		resultJSON  []byte
		message     pgtype.Text
		idem        pgtype.Text
		worker      pgtype.Text
	)
	err := row.Scan(&job.ID, &job.Kind, &job.Priority, &job.UserID, &job.Prompt, &optionsJSON, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.NextRunAt, &resultJSON, &message, &idem, &worker,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Message = textPtr(message)
	job.IdempotencyKey = textPtr(idem)
	job.WorkerID = textPtr(worker)
	return job, nil
}

// guardedExec runs an UPDATE whose WHERE clause excludes terminal rows
// (the terminal status list is always bound to $2). A zero row count is
// resolved into ErrNotFound or ErrAlreadyTerminal.
func (s *Postgres) guardedExec(ctx context.Context, id, sql string, args ...any) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, sql, append([]any{id, terminalStatuses}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM generation_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job status: %w", err)
	}
	return ErrAlreadyTerminal
}

// MarkInProgress records that workerID started executing the job.
func (s *Postgres) MarkInProgress(ctx context.Context, id, workerID string) error {
	return s.guardedExec(ctx, id, `
		UPDATE generation_jobs SET status = $3, worker_id = $4, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($2)
	`, models.StatusInProgress, workerID)
}

// Complete stores the result and transitions the job to succeeded.
func (s *Postgres) Complete(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.guardedExec(ctx, id, `
		UPDATE generation_jobs SET status = $3, result = $4, message = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($2)
	`, models.StatusSucceeded, resultJSON)
}

// Finish moves the job into a terminal failure status with a user-facing message.
func (s *Postgres) Finish(ctx context.Context, id, status, message string) error {
	if !models.IsTerminalStatus(status) || status == models.StatusSucceeded {
		return fmt.Errorf("finish: %q is not a terminal failure status", status)
	}
	return s.guardedExec(ctx, id, `
		UPDATE generation_jobs SET status = $3, message = $4, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($2)
	`, status, message)
}

// MarkCancelled cancels a job that has not finished yet.
func (s *Postgres) MarkCancelled(ctx context.Context, id string) error {
	return s.Finish(ctx, id, models.StatusCancelled, CancelledMessage)
}

// UpdateAttempts requeues the job after a retryable failure.
func (s *Postgres) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return s.guardedExec(ctx, id, `
		UPDATE generation_jobs
		SET status = $3, attempts = $4, next_run_at = $5, message = $6, worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($2)
	`, models.StatusQueued, attempts, nextRun, lastErr)
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail lists the audit rows of a job in insertion order.
func (s *Postgres) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// VisibleJobs returns the number of queued jobs that are due.
func (s *Postgres) VisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generation_jobs WHERE status = $1 AND next_run_at <= NOW()
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
