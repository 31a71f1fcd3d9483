package poller

import (
	"fmt"

	"coursegen/internal/models"
)

// Phase is the position of a generation in the submit-then-await lifecycle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePending Phase = "pending"
	PhaseSuccess Phase = "done:success"
	PhaseFailure Phase = "done:failure"
	PhaseTimeout Phase = "done:timeout"
)

// Terminal reports whether no transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFailure || p == PhaseTimeout
}

// State is passed and returned by value. Transitions on a terminal State return it unchanged.
type State struct {
	Phase Phase
	JobID string
	// Job is the last status observed; zero until the first successful poll.
	Job models.GenerationJob
	// Err is set for failure and timeout phases.
	Err error
}

// Submitted moves an idle State to pending for jobID.
func (s State) Submitted(jobID string) State {
	if s.Phase != PhaseIdle && s.Phase != "" {
		return s
	}
	return State{Phase: PhasePending, JobID: jobID}
}

// Observed applies one status read.
func (s State) Observed(job models.GenerationJob) State {
	if s.Phase != PhasePending {
		return s
	}
	next := s
	next.Job = job
	switch job.State {
	case models.StateCompleted:
		next.Phase = PhaseSuccess
	case models.StateError, models.StateUnsuitable:
		next.Phase = PhaseFailure
		next.Err = &ReportedFailure{JobID: s.JobID, State: job.State, Message: job.Message}
	}
	return next
}

// TimedOut ends a pending wait whose budget ran out.
func (s State) TimedOut() State {
	if s.Phase != PhasePending {
		return s
	}
	next := s
	next.Phase = PhaseTimeout
	next.Err = fmt.Errorf("generation %s: %w", s.JobID, ErrTimeoutExceeded)
	return next
}

// Failed ends the lifecycle with err: a submission failure from idle, or a
// terminal read error such as NotFound from pending.
func (s State) Failed(err error) State {
	if s.Phase.Terminal() {
		return s
	}
	next := s
	next.Phase = PhaseFailure
	next.Err = err
	return next
}

// Message is the single user-visible notification for a terminal State.
func (s State) Message() string {
	switch s.Phase {
	case PhaseSuccess:
		return "generation completed"
	case PhaseFailure:
		if rf, ok := s.Err.(*ReportedFailure); ok {
			return rf.Error()
		}
		if s.Err != nil {
			return s.Err.Error()
		}
		return "generation failed"
	case PhaseTimeout:
		return ErrTimeoutExceeded.Error()
	}
	return ""
}

// ReportedFailure is a job the server finished unsuccessfully (error or unsuitable).
// Error returns the server message verbatim.
type ReportedFailure struct {
	JobID   string
	State   models.State
	Message string
}

func (e *ReportedFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generation %s ended in state %s", e.JobID, e.State)
	}
	return e.Message
}
