package persist

import (
	"context"
	"sync"

	"github.com/roach88/sabro/workqueue"
)

// tracker follows a set of outstanding completion handles so callers
// can wait for "everything written so far" or just the most recent
// write. Lazy-writing collections use it to order shutdown and bulk
// reloads behind their pending writes.
type tracker struct {
	mu   sync.Mutex
	open map[*workqueue.Pending]struct{}
	last *workqueue.Pending
}

func newTracker() *tracker {
	return &tracker{open: make(map[*workqueue.Pending]struct{})}
}

// put adds p to the tracked set. p removes itself once resolved.
func (t *tracker) put(p *workqueue.Pending) {
	t.mu.Lock()
	t.open[p] = struct{}{}
	t.last = p
	t.mu.Unlock()
	go func() {
		<-p.Done()
		t.mu.Lock()
		delete(t.open, p)
		if t.last == p {
			t.last = nil
		}
		t.mu.Unlock()
	}()
}

// snapshot returns the handles outstanding right now.
func (t *tracker) snapshot() []*workqueue.Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := make([]*workqueue.Pending, 0, len(t.open))
	for p := range t.open {
		open = append(open, p)
	}
	return open
}

// waitAll blocks until every handle tracked at call time has resolved.
// Errors are deliberately not collected; each write's handle already
// reported its own outcome to whoever submitted it.
func (t *tracker) waitAll(ctx context.Context) error {
	return waitHandles(ctx, t.snapshot())
}

// waitHandles blocks until every handle in the slice has resolved.
func waitHandles(ctx context.Context, handles []*workqueue.Pending) error {
	for _, p := range handles {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// waitLast blocks until the most recently tracked handle resolves,
// returning its outcome.
func (t *tracker) waitLast(ctx context.Context) (any, error) {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	if last == nil {
		return nil, nil
	}
	return last.Wait(ctx)
}
