package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"coursegen/internal/client"
	"coursegen/internal/config"
	"coursegen/internal/logging"
	"coursegen/internal/models"
	"coursegen/internal/queue"
	"coursegen/internal/ratelimit"
	"coursegen/internal/store"
	"coursegen/internal/telemetry"
)

const maxRequestBody = 64 << 10

// JobStore is the persistence the API needs. Both store.Postgres and
// store.Memory satisfy it.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	MarkCancelled(ctx context.Context, id string) error
	Finish(ctx context.Context, id, status, message string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the generation API.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   Queue
	limiter Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st JobStore, q Queue, limiter Limiter, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generations", s.handleCreate)
		r.Get("/generations/{id}", s.handleStatus)
		r.Post("/generations/{id}/cancel", s.handleCancel)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type createRequest struct {
	Prompt   string         `json:"prompt"`
	Options  map[string]any `json:"options"`
	Kind     string         `json:"kind"`
	Priority string         `json:"priority"`
}

type createResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindCourse
	}
	if req.Kind != models.KindCourse {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported kind %q", req.Kind))
		return
	}

	userID := userFromRequest(r)
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		existing, found, err := s.store.FindByIdempotencyKey(r.Context(), idempotencyKey)
		if err != nil {
			s.log.Error().Err(err).Msg("idempotency lookup failed")
			writeError(w, http.StatusInternalServerError, "could not create generation")
			return
		}
		// replays are answered before the rate limiter so they never spend a token
		if found {
			writeJSON(w, http.StatusAccepted, createResponse{ID: existing.ID})
			return
		}
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("rate limit check failed")
			writeError(w, http.StatusInternalServerError, "rate limit unavailable")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "too many generation requests, try again later")
			return
		}
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:           req.Kind,
		Priority:       req.Priority,
		UserID:         userID,
		Prompt:         req.Prompt,
		Options:        req.Options,
		IdempotencyKey: idempotencyKey,
		RunAt:          time.Now(),
		MaxAttempts:    s.cfg.MaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "could not create generation")
		return
	}

	if !reused {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, job.NextRunAt); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
			_ = s.store.Finish(r.Context(), job.ID, models.StatusFailed, "generation could not be queued")
			writeError(w, http.StatusInternalServerError, "could not queue generation")
			return
		}
		_ = s.store.AppendAudit(r.Context(), job.ID, "enqueued", fmt.Sprintf("user=%s priority=%s", userID, job.Priority))
		telemetry.EnqueueCounter.Inc()
		s.log.Info().Str("job_id", job.ID).Str("user_id", userID).Msg("generation enqueued")
	}

	writeJSON(w, http.StatusAccepted, createResponse{ID: job.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, client.EncodeStatus(job.Generation()))
}

// handleCancel cancels a job that has not finished. Cancelling a finished job
// leaves it untouched and reports its state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if !models.IsTerminalStatus(job.Status) {
		err := s.store.MarkCancelled(r.Context(), job.ID)
		switch {
		case err == nil:
			if err := s.queue.Cancel(r.Context(), job.ID); err != nil {
				s.log.Warn().Err(err).Str("job_id", job.ID).Msg("cancel: queue cleanup failed")
			}
			_ = s.store.AppendAudit(r.Context(), job.ID, "cancelled", "cancel requested via API")
		case errors.Is(err, store.ErrAlreadyTerminal):
			// finished between the read and the write
		default:
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("cancel failed")
			writeError(w, http.StatusInternalServerError, "could not cancel generation")
			return
		}
		if job, ok = s.loadJob(w, r); !ok {
			return
		}
	}
	writeJSON(w, http.StatusOK, client.EncodeStatus(job.Generation()))
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("generation %s not found", id))
		return models.Job{}, false
	}
	if err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("load job failed")
		writeError(w, http.StatusInternalServerError, "could not load generation")
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("read dlq failed")
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func userFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
