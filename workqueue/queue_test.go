package workqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockWorker parks the worker on a task until release is closed, so a
// test can stage submissions and observe pure heap order.
func blockWorker(q *Queue) (release chan struct{}, blocked *Pending) {
	release = make(chan struct{})
	started := make(chan struct{})
	blocked = q.Submit(func() (any, error) {
		close(started)
		<-release
		return nil, nil
	}, DoNext())
	<-started
	return release, blocked
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	_, err := q.Shutdown().Wait(context.Background())
	require.NoError(t, err)
}

func TestQueue_RunsSubmittedTask(t *testing.T) {
	q := New()
	defer drain(t, q)

	v, err := q.Submit(func() (any, error) { return "done", nil }).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New()
	release, _ := blockWorker(q)

	var mu sync.Mutex
	var order []int
	var handles []*Pending
	for i := 0; i < 5; i++ {
		i := i
		handles = append(handles, q.Submit(func() (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}))
	}

	close(release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	drain(t, q)
}

func TestQueue_NicenessOrdersExecution(t *testing.T) {
	q := New()
	release, _ := blockWorker(q)

	var mu sync.Mutex
	var order []string
	record := func(label string) Fn {
		return func() (any, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil, nil
		}
	}

	q.Submit(record("background"), WithNiceness(10))
	q.Submit(record("default"))
	last := q.Submit(record("urgent"), WithNiceness(-10))

	close(release)
	_, err := last.Wait(context.Background())
	require.NoError(t, err)
	drain(t, q)

	assert.Equal(t, []string{"urgent", "default", "background"}, order)
}

func TestQueue_DoNextAndDoLastBracketNiceness(t *testing.T) {
	q := New()
	release, _ := blockWorker(q)

	var mu sync.Mutex
	var order []string
	record := func(label string) Fn {
		return func() (any, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil, nil
		}
	}

	q.Submit(record("last"), DoLast())
	q.Submit(record("max"), WithNiceness(NicenessMax))
	q.Submit(record("min"), WithNiceness(NicenessMin))
	q.Submit(record("next"), DoNext())

	close(release)
	drain(t, q)

	assert.Equal(t, []string{"next", "min", "max", "last"}, order)
}

func TestQueue_NicenessClamped(t *testing.T) {
	q := New()
	release, _ := blockWorker(q)

	var mu sync.Mutex
	var order []string
	record := func(label string) Fn {
		return func() (any, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil, nil
		}
	}

	// 1000 clamps to NicenessMax, so DoLast still runs after it.
	q.Submit(record("last"), DoLast())
	q.Submit(record("clamped-high"), WithNiceness(1000))
	q.Submit(record("clamped-low"), WithNiceness(-1000))

	close(release)
	drain(t, q)

	assert.Equal(t, []string{"clamped-low", "clamped-high", "last"}, order)
}

func TestQueue_TaskErrorDoesNotStopWorker(t *testing.T) {
	q := New()
	defer drain(t, q)
	boom := errors.New("boom")

	_, err := q.Submit(func() (any, error) { return nil, boom }).Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	v, err := q.Submit(func() (any, error) { return "still alive", nil }).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestQueue_TaskPanicBecomesError(t *testing.T) {
	q := New()
	defer drain(t, q)

	_, err := q.Submit(func() (any, error) { panic("kaboom") }).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = q.Submit(func() (any, error) { return nil, nil }).Wait(context.Background())
	assert.NoError(t, err)
}

func TestQueue_ShutdownDrainsByDefault(t *testing.T) {
	q := New()
	release, _ := blockWorker(q)

	ran := make([]bool, 3)
	var handles []*Pending
	for i := range ran {
		i := i
		handles = append(handles, q.Submit(func() (any, error) {
			ran[i] = true
			return nil, nil
		}))
	}

	stopped := q.Shutdown()
	close(release)
	_, err := stopped.Wait(context.Background())
	require.NoError(t, err)

	for i, r := range ran {
		assert.True(t, r, "queued task %d should have drained", i)
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		assert.NoError(t, err)
	}
}

func TestQueue_FailPendingOnShutdown(t *testing.T) {
	q := New(FailPendingOnShutdown())
	release, blocked := blockWorker(q)

	h := q.Submit(func() (any, error) { return nil, nil })

	stopped := q.Shutdown()
	close(release)
	_, err := stopped.Wait(context.Background())
	require.NoError(t, err)

	// The in-flight task completed; the queued one was failed.
	_, err = blocked.Wait(context.Background())
	assert.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueShutdown)
}

func TestQueue_SubmitAfterShutdownFailsFast(t *testing.T) {
	q := New()
	drain(t, q)

	p := q.Submit(func() (any, error) { return nil, nil })
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrQueueShutdown)
}

func TestQueue_ShutdownIdempotent(t *testing.T) {
	q := New()

	first := q.Shutdown()
	second := q.Shutdown()
	assert.Same(t, first, second)

	_, err := first.Wait(context.Background())
	assert.NoError(t, err)
}

func TestQueue_LenCountsWaitingTasks(t *testing.T) {
	q := New()
	release, _ := blockWorker(q)

	assert.Equal(t, 0, q.Len())
	q.Submit(func() (any, error) { return nil, nil })
	q.Submit(func() (any, error) { return nil, nil })
	assert.Equal(t, 2, q.Len())

	close(release)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	drain(t, q)
}
