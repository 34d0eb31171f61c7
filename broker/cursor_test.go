package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sabro/broker"
)

// seedLabels populates the events table with n rows labeled row-1..n.
func seedLabels(t *testing.T, b *broker.Broker, labels ...string) {
	t.Helper()
	ctx := context.Background()
	for _, l := range labels {
		_, err := b.Transact(ctx, insertLabel(l)).Wait(ctx)
		require.NoError(t, err)
	}
}

func openCursor(t *testing.T, b *broker.Broker, query string) *broker.Cursor {
	t.Helper()
	ctx := context.Background()
	v, err := b.Execute(ctx, query, nil).Wait(ctx)
	require.NoError(t, err)
	return v.(*broker.Cursor)
}

func TestCursor_PullIteratesInOrder(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "a", "b", "c")
	ctx := context.Background()

	c := openCursor(t, b, "SELECT label FROM events ORDER BY id")
	assert.Equal(t, []string{"label"}, c.Columns())

	var got []string
	for {
		v, err := c.Next().Wait(ctx)
		require.NoError(t, err)
		f := v.(broker.Fetch)
		if f.End {
			break
		}
		got = append(got, f.Row[0].(string))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCursor_EndIsSticky(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "only")
	ctx := context.Background()

	c := openCursor(t, b, "SELECT label FROM events")
	_, err := c.Next().Wait(ctx) // the row
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := c.Next().Wait(ctx)
		require.NoError(t, err)
		assert.True(t, v.(broker.Fetch).End, "fetch %d past the end should be End", i)
	}
}

func TestCursor_AllDrainsRemainingRows(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "a", "b", "c", "d")
	ctx := context.Background()

	c := openCursor(t, b, "SELECT label FROM events ORDER BY id")

	// Take one row manually, then drain.
	v, err := c.Next().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v.(broker.Fetch).Row[0])

	rows, err := c.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "b", rows[0][0])
	assert.Equal(t, "d", rows[2][0])
}

func TestCursor_CloseIsIdempotentAndEndsIteration(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "a", "b", "c")
	ctx := context.Background()

	c := openCursor(t, b, "SELECT label FROM events ORDER BY id")
	first := c.Close()
	second := c.Close()
	assert.Same(t, first, second)
	_, err := first.Wait(ctx)
	require.NoError(t, err)

	v, err := c.Next().Wait(ctx)
	require.NoError(t, err)
	assert.True(t, v.(broker.Fetch).End)

	// The broker keeps working after an abandoned cursor.
	seedLabels(t, b, "after-close")
}

func TestCursor_BadQueryFailsWithCursorError(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	ctx := context.Background()

	_, err := b.Execute(ctx, "SELECT nope FROM missing_table", nil).Wait(ctx)
	require.Error(t, err)
	var be *broker.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, broker.ErrCodeCursorFailed, be.Code)
}

func TestCursor_IterationOverlapsTransactions(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "a", "b", "c")
	ctx := context.Background()

	c := openCursor(t, b, "SELECT label FROM events ORDER BY id")

	// A transaction on the dedicated connection commits while the
	// cursor's side connection is mid-iteration.
	v, err := c.Next().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v.(broker.Fetch).Row[0])

	_, err = b.Transact(ctx, insertLabel("interleaved")).Wait(ctx)
	require.NoError(t, err)

	rows, err := c.All(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rows), 2)
}

func TestRawRows_CallerOwnsIteration(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "x", "y")
	ctx := context.Background()

	v, err := b.Execute(ctx, "SELECT label FROM events ORDER BY id", nil, broker.Raw()).Wait(ctx)
	require.NoError(t, err)
	raw := v.(*broker.RawRows)

	var labels []string
	for raw.Rows.Next() {
		var l string
		require.NoError(t, raw.Rows.Scan(&l))
		labels = append(labels, l)
	}
	require.NoError(t, raw.Rows.Err())
	assert.Equal(t, []string{"x", "y"}, labels)

	assert.NoError(t, raw.Close())
	assert.NoError(t, raw.Close(), "Close must be idempotent")
}
