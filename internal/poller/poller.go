// Package poller turns an asynchronous generation job into a bounded wait with a
// single deterministic outcome: success, reported failure, or timeout.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"coursegen/internal/models"
	"coursegen/internal/telemetry"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 2 * time.Minute
)

// Client is the generation API as seen by the poller.
type Client interface {
	Submit(ctx context.Context, req models.GenerationRequest) (string, error)
	Status(ctx context.Context, jobID string) (models.GenerationJob, error)
}

// Options bounds a wait. Zero fields fall back to the poller defaults.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o Options) withDefaults(def Options) Options {
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Callbacks receive the terminal notification of a Run. Exactly one fires per
// terminal outcome and none fires when the run is cancelled.
type Callbacks struct {
	OnSuccess func(job models.GenerationJob)
	OnFailure func(s State)
	OnTimeout func(s State)
}

func (c Callbacks) notify(s State) {
	switch s.Phase {
	case PhaseSuccess:
		if c.OnSuccess != nil {
			c.OnSuccess(s.Job)
		}
	case PhaseFailure:
		if c.OnFailure != nil {
			c.OnFailure(s)
		}
	case PhaseTimeout:
		if c.OnTimeout != nil {
			c.OnTimeout(s)
		}
	}
}

// Poller submits generation requests and waits for them to finish.
type Poller struct {
	client Client
	opts   Options
	logger zerolog.Logger
}

// New builds a Poller. opts supplies the defaults used by Run and Start.
func New(client Client, opts Options, logger zerolog.Logger) *Poller {
	return &Poller{
		client: client,
		opts:   opts.withDefaults(Options{}),
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// Options returns the effective defaults.
func (p *Poller) Options() Options {
	return p.opts
}

// Submit calls the create endpoint once and returns the job id.
func (p *Poller) Submit(ctx context.Context, req models.GenerationRequest) (string, error) {
	id, err := p.client.Submit(ctx, req)
	if err != nil {
		var se *SubmissionError
		if errors.As(err, &se) {
			return "", se
		}
		return "", &SubmissionError{Err: err}
	}
	if id == "" {
		return "", &SubmissionError{Message: "server returned no job id"}
	}
	return id, nil
}

// Poll reads the job status once. Anything but a known state or a NotFoundError is
// reported as a *TransientPollError.
func (p *Poller) Poll(ctx context.Context, jobID string) (models.GenerationJob, error) {
	job, err := p.client.Status(ctx, jobID)
	if err != nil {
		if IsNotFound(err) || IsTransient(err) {
			return models.GenerationJob{}, err
		}
		return models.GenerationJob{}, &TransientPollError{JobID: jobID, Err: err}
	}
	if !job.State.Valid() {
		return models.GenerationJob{}, &TransientPollError{JobID: jobID, Err: fmt.Errorf("unknown process state %q", job.State)}
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

// AwaitCompletion polls jobID every opts.Interval until the job is terminal, the
// server forgets it, or opts.Timeout elapses. The returned State is always terminal
// unless ctx was cancelled, in which case ctx's error is returned and polling has
// stopped. Ticks never overlap: the next one is armed after the previous read settles.
func (p *Poller) AwaitCompletion(ctx context.Context, jobID string, opts Options) (State, error) {
	opts = opts.withDefaults(p.opts)
	state := State{Phase: PhaseIdle}.Submitted(jobID)

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tick := time.NewTimer(opts.Interval)
	defer tick.Stop()

	for n := 1; ; n++ {
		select {
		case <-waitCtx.Done():
			return p.expire(ctx, state)
		case <-tick.C:
		}

		telemetry.PollTicks.Inc()
		job, err := p.Poll(waitCtx, jobID)
		switch {
		case err == nil:
			state = state.Observed(job)
			if state.Phase.Terminal() {
				return p.finish(state), nil
			}
			p.logger.Debug().Str("job_id", jobID).Int("tick", n).Msg("generation pending")
		case IsNotFound(err):
			return p.finish(state.Failed(err)), nil
		default:
			if waitCtx.Err() != nil {
				return p.expire(ctx, state)
			}
			telemetry.PollTransientErrors.Inc()
			p.logger.Warn().Err(err).Str("job_id", jobID).Int("tick", n).Msg("status read failed, retrying")
		}
		tick.Reset(opts.Interval)
	}
}

func (p *Poller) expire(parent context.Context, state State) (State, error) {
	if err := parent.Err(); err != nil {
		p.logger.Debug().Str("job_id", state.JobID).Msg("wait cancelled")
		return state, err
	}
	return p.finish(state.TimedOut()), nil
}

func (p *Poller) finish(state State) State {
	telemetry.PollOutcomes.WithLabelValues(string(state.Phase)).Inc()
	ev := p.logger.Info()
	if state.Phase != PhaseSuccess {
		ev = p.logger.Warn().Err(state.Err)
	}
	ev.Str("job_id", state.JobID).Str("phase", string(state.Phase)).Msg("generation wait finished")
	return state
}

// Run submits req and awaits it with the poller defaults, then fires one callback.
// A submission failure ends in PhaseFailure without any poll. The error is non-nil
// only when ctx was cancelled; no callback fires in that case.
func (p *Poller) Run(ctx context.Context, req models.GenerationRequest, cb Callbacks) (State, error) {
	id, err := p.Submit(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return State{Phase: PhaseIdle}, ctxErr
		}
		state := p.finish(State{Phase: PhaseIdle}.Failed(err))
		cb.notify(state)
		return state, nil
	}
	p.logger.Info().Str("job_id", id).Msg("generation submitted")
	return p.watch(ctx, id, cb)
}

func (p *Poller) watch(ctx context.Context, jobID string, cb Callbacks) (State, error) {
	state, err := p.AwaitCompletion(ctx, jobID, p.opts)
	if err != nil {
		return state, err
	}
	if ctx.Err() != nil {
		return state, ctx.Err()
	}
	cb.notify(state)
	return state, nil
}
