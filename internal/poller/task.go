package poller

import (
	"context"
	"sync"

	"coursegen/internal/models"
)

// Task is a running submit-then-await. Its goroutine owns the poll timers; Stop
// releases them.
type Task struct {
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	state State
	err   error
}

// Start runs Run on a new goroutine. Callbacks are invoked from that goroutine.
func (p *Poller) Start(ctx context.Context, req models.GenerationRequest, cb Callbacks) *Task {
	return spawn(ctx, func(ctx context.Context) (State, error) {
		return p.Run(ctx, req, cb)
	})
}

// Watch awaits an already submitted job on a new goroutine.
func (p *Poller) Watch(ctx context.Context, jobID string, cb Callbacks) *Task {
	return spawn(ctx, func(ctx context.Context) (State, error) {
		return p.watch(ctx, jobID, cb)
	})
}

func spawn(parent context.Context, fn func(context.Context) (State, error)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer t.Stop()
		t.state, t.err = fn(ctx)
	}()
	return t
}

// Stop cancels the task. Safe to call any number of times, from any goroutine.
func (t *Task) Stop() {
	t.stopOnce.Do(t.cancel)
}

// Done is closed once the task has finished or been stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task ends and returns its final State. The error is the
// context error when the task was stopped before reaching a terminal phase.
func (t *Task) Wait() (State, error) {
	<-t.done
	return t.state, t.err
}
