package broker

import (
	"context"
	"sync"

	"github.com/roach88/sabro/workqueue"
)

// Consumer receives rows in push mode. Register is called once, before
// the first row, with the producer driving the delivery; the consumer
// holds onto it to exert backpressure. Consume is called once per row,
// in result-set order, from a single goroutine. Done is called exactly
// once after the final Consume, with nil on normal completion and the
// failure otherwise.
//
// A Consume error aborts delivery: the error is reported through Done
// and the call's completion handle.
type Consumer interface {
	Register(p *Producer)
	Consume(row Row) error
	Done(err error)
}

// Producer drives push-mode row delivery from a cursor to a consumer.
//
// Backpressure is cooperative: Pause stops delivery after at most one
// more row (the fetch already in flight), Resume restarts it, Stop
// abandons the remaining rows. All three are safe from any goroutine
// and return immediately.
type Producer struct {
	cursor   *Cursor
	consumer Consumer

	mu      sync.Mutex
	paused  bool
	stopped bool
	resume  chan struct{}

	done *workqueue.Pending
}

func newProducer(c *Cursor, consumer Consumer) *Producer {
	p := &Producer{
		cursor:   c,
		consumer: consumer,
		resume:   make(chan struct{}, 1),
		done:     workqueue.NewPending(),
	}
	consumer.Register(p)
	go p.run()
	return p
}

// Done resolves to the number of rows delivered (int64) once delivery
// finishes, whether by exhaustion, Stop, or failure.
func (p *Producer) Done() *workqueue.Pending { return p.done }

// Pause suspends delivery. At most the row already fetched ahead is
// still delivered; nothing more until Resume.
func (p *Producer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume restarts delivery after a Pause. A no-op if not paused.
func (p *Producer) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	p.mu.Unlock()
	p.signal()
}

// Stop abandons delivery. Remaining rows are discarded, the cursor is
// released, and Done resolves with the count so far.
func (p *Producer) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.paused = false
	p.mu.Unlock()
	p.signal()
}

func (p *Producer) signal() {
	select {
	case p.resume <- struct{}{}:
	default:
	}
}

// run is the delivery loop. Single goroutine for the producer's whole
// life, so Consume calls never overlap.
func (p *Producer) run() {
	ctx := context.Background()
	var count int64
	for {
		if !p.waitReady() {
			break
		}
		v, err := p.cursor.Next().Wait(ctx)
		if err != nil {
			p.finish(count, err)
			return
		}
		f := v.(Fetch)
		if f.End {
			p.consumer.Done(nil)
			p.done.Resolve(count, nil)
			return
		}
		if err := p.consumer.Consume(f.Row); err != nil {
			p.finish(count, err)
			return
		}
		count++
	}
	// Stopped before exhaustion.
	p.cursor.Close()
	p.consumer.Done(nil)
	p.done.Resolve(count, nil)
}

// waitReady blocks while paused. Returns false once stopped.
func (p *Producer) waitReady() bool {
	for {
		p.mu.Lock()
		paused, stopped := p.paused, p.stopped
		p.mu.Unlock()
		if stopped {
			return false
		}
		if !paused {
			return true
		}
		<-p.resume
	}
}

func (p *Producer) finish(count int64, err error) {
	p.cursor.Close()
	p.consumer.Done(err)
	p.done.Resolve(count, err)
}
