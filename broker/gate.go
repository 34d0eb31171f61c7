package broker

import "context"

// gate is the broker's only true mutual-exclusion primitive. It orders
// the startup sequence strictly before any regular transaction, and
// shutdown strictly after startup. It is not intended for
// general-purpose locking; transaction serialization is structural
// (the work queue), not lock-based.
//
// The implementation is the usual channel-as-mutex: a buffered channel
// of size one. Acquire is context-aware so a caller waiting on the
// gate never blocks its scheduler goroutine beyond its own deadline.
type gate struct {
	ch chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{}, 1)}
}

// Acquire takes the gate, waiting until it is free or ctx is done.
func (g *gate) Acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the gate without waiting. Returns false if held.
func (g *gate) TryAcquire() bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the gate. Releasing an unheld gate is a programming
// error and panics via the empty-channel receive below going
// unmatched; callers pair every Release with a prior Acquire.
func (g *gate) Release() {
	select {
	case <-g.ch:
	default:
		panic("broker: release of unheld gate")
	}
}
