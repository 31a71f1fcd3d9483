package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coursegen/internal/config"
	"coursegen/internal/models"
)

// Backend is the full method set shared by Postgres and Memory.
type Backend interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	MarkInProgress(ctx context.Context, id, workerID string) error
	Complete(ctx context.Context, id string, result map[string]any) error
	Finish(ctx context.Context, id, status, message string) error
	MarkCancelled(ctx context.Context, id string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
	VisibleJobs(ctx context.Context) (int64, error)
	Close()
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*Memory)(nil)
)

// Open returns the backend named by cfg.StoreDriver. Postgres is migrated
// before it is returned.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		return NewMemory(), nil
	case "", "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
