package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/rs/zerolog"

	"coursegen/internal/config"
	"coursegen/internal/generator"
	"coursegen/internal/models"
	"coursegen/internal/queue"
	"coursegen/internal/store"
	"coursegen/internal/telemetry"
)

// Queue is the part of queue.Queue the worker drives.
type Queue interface {
	Lease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, limit int64) ([]string, error)
	ReclaimExpired(ctx context.Context, limit int64) ([]string, error)
	DLQPush(ctx context.Context, entry queue.DeadLetter) error
	ReadyDepth(ctx context.Context) (int64, error)
	LeasedDepth(ctx context.Context) (int64, error)
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkInProgress(ctx context.Context, id, workerID string) error
	Complete(ctx context.Context, id string, result map[string]any) error
	Finish(ctx context.Context, id, status, message string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Handler executes a job of one kind and returns its result.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    JobStore
	handlers map[string]Handler
	workerID string
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q Queue, st JobStore, workerID string, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
		log:      logger.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run processes jobs until ctx is cancelled. When the queue is empty it waits
// for a jittered tick so idle workers do not poll Redis in lockstep.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: p.cfg.WorkerPollJitter})
	defer ticker.Stop()

	p.log.Info().Dur("poll_interval", interval).Msg("worker started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("process job")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOne runs housekeeping and at most one job. It reports whether a job
// was leased.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	p.housekeeping(ctx)

	jobID, err := p.queue.Lease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	log := p.log.With().Str("job_id", jobID).Logger()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("leased job has no record, dropping")
		return true, p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		return true, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if models.IsTerminalStatus(job.Status) {
		return true, p.queue.Ack(ctx, jobID)
	}
	if err := p.store.MarkInProgress(ctx, job.ID, p.workerID); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return true, p.queue.Ack(ctx, jobID)
		}
		return true, fmt.Errorf("mark in progress: %w", err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "started", p.workerID)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, runErr := p.runJob(ctx, job)
	switch {
	case runErr == nil:
		return true, p.succeed(ctx, log, job, result)
	case errors.Is(runErr, generator.ErrUnsuitable):
		return true, p.reject(ctx, log, job, runErr.Error())
	case ctx.Err() != nil:
		// shutting down; the lease expires and another worker picks the job up
		return true, ctx.Err()
	default:
		return true, p.retryOrBury(ctx, log, job, runErr)
	}
}

func (p *Processor) housekeeping(ctx context.Context) {
	batch := int64(p.cfg.ScheduledBatchSize)
	if _, err := p.queue.PromoteScheduled(ctx, batch); err != nil {
		p.log.Warn().Err(err).Msg("promote scheduled")
	}
	reclaimed, err := p.queue.ReclaimExpired(ctx, batch)
	if err != nil {
		p.log.Warn().Err(err).Msg("reclaim expired leases")
	}
	for _, id := range reclaimed {
		p.log.Warn().Str("job_id", id).Msg("lease expired, job requeued")
		_ = p.store.AppendAudit(ctx, id, "lease_expired", "")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if leased, err := p.queue.LeasedDepth(ctx); err == nil {
		telemetry.LeasedGauge.Set(float64(leased))
	}
}

// runJob executes the handler for the job kind while keeping its lease alive.
func (p *Processor) runJob(ctx context.Context, job models.Job) (map[string]any, error) {
	kind := job.Kind
	if kind == "" {
		kind = models.KindCourse
	}
	handler, ok := p.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}

	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		return handler(ctx, job)
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.queue.ExtendLease(ctx, job.ID, visibility); err != nil {
					p.log.Warn().Err(err).Str("job_id", job.ID).Msg("extend lease")
				}
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()
	return handler(ctx, job)
}

func (p *Processor) succeed(ctx context.Context, log zerolog.Logger, job models.Job, result map[string]any) error {
	err := p.store.Complete(ctx, job.ID, result)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		log.Info().Msg("job finished elsewhere while running, result discarded")
		return p.queue.Ack(ctx, job.ID)
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "")
	telemetry.WorkerSuccess.Inc()
	log.Info().Msg("generation completed")
	return p.queue.Ack(ctx, job.ID)
}

func (p *Processor) reject(ctx context.Context, log zerolog.Logger, job models.Job, message string) error {
	err := p.store.Finish(ctx, job.ID, models.StatusUnsuitable, message)
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		return fmt.Errorf("finish job: %w", err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, models.StatusUnsuitable, message)
	telemetry.WorkerUnsuitable.Inc()
	log.Info().Str("reason", message).Msg("generation rejected as unsuitable")
	return p.queue.Ack(ctx, job.ID)
}

func (p *Processor) retryOrBury(ctx context.Context, log zerolog.Logger, job models.Job, runErr error) error {
	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 || (p.cfg.MaxAttempts > 0 && p.cfg.MaxAttempts < maxAttempts) {
		maxAttempts = p.cfg.MaxAttempts
	}

	if attempts >= maxAttempts {
		err := p.store.Finish(ctx, job.ID, models.StatusDeadLetter, runErr.Error())
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return p.queue.Ack(ctx, job.ID)
		}
		if err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}
		if err := p.queue.DLQPush(ctx, queue.DeadLetter{JobID: job.ID, Reason: runErr.Error(), Attempts: attempts}); err != nil {
			return fmt.Errorf("push dlq: %w", err)
		}
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", runErr.Error())
		telemetry.WorkerDeadLetter.Inc()
		log.Error().Err(runErr).Int("attempts", attempts).Msg("generation dead-lettered")
		return nil
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if err := p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, runErr.Error()); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return p.queue.Ack(ctx, job.ID)
		}
		return fmt.Errorf("record attempt: %w", err)
	}
	if err := p.queue.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	log.Warn().Err(runErr).Int("attempts", attempts).Time("next_run", nextRun).Msg("generation failed, retry scheduled")
	return nil
}
