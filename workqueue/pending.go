package workqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrNotResolved is returned by Pending.Result when the task has not
// finished yet.
var ErrNotResolved = errors.New("workqueue: task not resolved yet")

// Pending is the completion handle for a submitted task.
//
// It is returned to the caller immediately at submission time and
// resolved later, from the worker goroutine, with the task's result or
// failure. A Pending resolves exactly once.
//
// Thread-safety: all methods are safe for concurrent use. Any number
// of goroutines may Wait on the same handle.
type Pending struct {
	done chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

// NewPending returns an unresolved handle. Most callers receive
// handles from Queue.Submit; NewPending exists for layers that chain
// or adapt handles (deferred submission, row streaming) and resolve
// them with Resolve.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolved returns a handle that is already resolved with the supplied
// result and error. Used for fast paths that never reach the worker.
func Resolved(result any, err error) *Pending {
	p := NewPending()
	p.Resolve(result, err)
	return p
}

// Resolve delivers the task outcome. A Pending resolves exactly once;
// a second Resolve is a programming error and panics on the closed
// channel, which is intentional.
func (p *Pending) Resolve(result any, err error) {
	p.mu.Lock()
	p.result = result
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Done returns a channel that is closed when the task has resolved.
// Use with select for context-aware waiting.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the task resolves or the context is cancelled.
//
// A context error does not retract the task: the worker still runs it
// to completion, and a later Wait (or Result) observes its outcome.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. Returns ErrNotResolved
// if the task has not finished.
func (p *Pending) Result() (any, error) {
	select {
	case <-p.done:
	default:
		return nil, ErrNotResolved
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}
