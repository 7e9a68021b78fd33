// Package lifecycle runs a long-lived loop with idempotent Start and Stop.
package lifecycle

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("lifecycle: runner stopped")

type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Runner owns one goroutine executing run.
//
// Start on a running Runner is a no-op. Stop cancels the loop and waits for it
// to return. A loop that returns on its own also leaves the Runner stopped;
// once stopped a Runner cannot be restarted.
type Runner struct {
	run func(ctx context.Context) error

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewRunner(run func(ctx context.Context) error) *Runner {
	return &Runner{run: run}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.state = StateRunning

	go func() {
		defer close(done)
		err := r.run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.mu.Lock()
		r.err = err
		r.state = StateStopped
		r.mu.Unlock()
	}()
	return nil
}

// Stop returns the loop's terminal error, if any.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.state = StateStopped
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the loop returns. Nil before Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the loop's result once Done is closed.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
