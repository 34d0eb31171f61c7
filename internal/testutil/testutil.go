// Package testutil provides shared helpers for sabro's tests: scratch
// databases and instrumented row consumers.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/sabro/broker"
)

// TempDSN returns a DSN for a fresh SQLite database file under the
// test's temp directory. The file is removed with the test.
func TempDSN(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "sabro_test.db")
}

// CollectConsumer is a broker.Consumer that records everything it is
// handed. Safe for inspection after Done fires.
type CollectConsumer struct {
	mu       sync.Mutex
	producer *broker.Producer
	rows     []broker.Row
	err      error
	done     bool
	doneCh   chan struct{}

	// OnConsume, if set, runs after each row is recorded. Tests use it
	// to pause the producer mid-stream.
	OnConsume func(n int, p *broker.Producer)
}

// NewCollectConsumer creates an empty collector.
func NewCollectConsumer() *CollectConsumer {
	return &CollectConsumer{doneCh: make(chan struct{})}
}

// Register implements broker.Consumer.
func (c *CollectConsumer) Register(p *broker.Producer) {
	c.mu.Lock()
	c.producer = p
	c.mu.Unlock()
}

// Consume implements broker.Consumer.
func (c *CollectConsumer) Consume(row broker.Row) error {
	c.mu.Lock()
	c.rows = append(c.rows, row)
	n := len(c.rows)
	hook := c.OnConsume
	p := c.producer
	c.mu.Unlock()
	if hook != nil {
		hook(n, p)
	}
	return nil
}

// Done implements broker.Consumer.
func (c *CollectConsumer) Done(err error) {
	c.mu.Lock()
	c.err = err
	c.done = true
	c.mu.Unlock()
	close(c.doneCh)
}

// DoneCh is closed once Done has been called.
func (c *CollectConsumer) DoneCh() <-chan struct{} { return c.doneCh }

// Rows returns a snapshot of the rows consumed so far.
func (c *CollectConsumer) Rows() []broker.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Row, len(c.rows))
	copy(out, c.rows)
	return out
}

// Err returns the error Done was called with, if any.
func (c *CollectConsumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Producer returns the producer handed to Register.
func (c *CollectConsumer) Producer() *broker.Producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer
}
