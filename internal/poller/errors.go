package poller

import (
	"errors"
	"fmt"
)

// ErrTimeoutExceeded is wrapped by the timeout outcome when the wait budget runs out
// while the job is still pending.
var ErrTimeoutExceeded = errors.New("generation is still running; check back later or retry")

// SubmissionError means the create call failed or returned no id. Polling never starts.
type SubmissionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("submit generation: status %d: %s", e.StatusCode, e.Message)
	case e.Message != "":
		return "submit generation: " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("submit generation: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("submit generation: status %d", e.StatusCode)
	}
	return "submit generation failed"
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientPollError is a failed status read. The wait keeps going.
type TransientPollError struct {
	JobID string
	Err   error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.JobID, e.Err)
}

func (e *TransientPollError) Unwrap() error { return e.Err }

// NotFoundError means the server does not know the job id. Terminal.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("generation %s not found", e.JobID)
}

// IsTransient reports whether err is a *TransientPollError.
func IsTransient(err error) bool {
	var te *TransientPollError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
