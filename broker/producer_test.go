package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/internal/testutil"
)

func TestProducer_DeliversAllRowsInOrder(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "a", "b", "c", "d")
	ctx := context.Background()

	consumer := testutil.NewCollectConsumer()
	v, err := b.Execute(ctx, "SELECT label FROM events ORDER BY id", nil,
		broker.WithConsumer(consumer)).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v, "handle resolves to the produced row count")

	<-consumer.DoneCh()
	assert.NoError(t, consumer.Err())
	rows := consumer.Rows()
	require.Len(t, rows, 4)
	assert.Equal(t, "a", rows[0][0])
	assert.Equal(t, "d", rows[3][0])
	assert.NotNil(t, consumer.Producer(), "Register must run before the first row")
}

func TestProducer_PauseHoldsDeliveryUntilResume(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "1", "2", "3", "4", "5")
	ctx := context.Background()

	paused := make(chan struct{})
	consumer := testutil.NewCollectConsumer()
	consumer.OnConsume = func(n int, p *broker.Producer) {
		if n == 2 {
			p.Pause()
			close(paused)
		}
	}

	handle := b.Execute(ctx, "SELECT label FROM events ORDER BY id", nil,
		broker.WithConsumer(consumer))

	<-paused
	// With read-ahead of one, at most one more row can arrive after the
	// pause takes effect.
	time.Sleep(100 * time.Millisecond)
	held := len(consumer.Rows())
	assert.LessOrEqual(t, held, 3, "pause must stop delivery after at most the in-flight row")
	select {
	case <-handle.Done():
		t.Fatal("handle must not resolve while paused")
	default:
	}

	consumer.Producer().Resume()
	v, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Len(t, consumer.Rows(), 5)
}

func TestProducer_PausedStreamExcludesConcurrentInsert(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "1", "2", "3")
	ctx := context.Background()

	paused := make(chan struct{})
	consumer := testutil.NewCollectConsumer()
	consumer.OnConsume = func(n int, p *broker.Producer) {
		if n == 1 {
			p.Pause()
			close(paused)
		}
	}

	handle := b.Execute(ctx, "SELECT label FROM events ORDER BY id", nil,
		broker.WithConsumer(consumer))
	<-paused

	// A write on the dedicated connection commits while the stream is
	// held. The open read statement keeps its snapshot.
	_, err := b.Transact(ctx, insertLabel("late")).Wait(ctx)
	require.NoError(t, err)

	consumer.Producer().Resume()
	v, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "paused stream must not pick up the concurrent row")

	// A fresh iteration afterwards does see it.
	after := openCursor(t, b, "SELECT label FROM events ORDER BY id")
	rows, err := after.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "late", rows[3][0])
}

func TestProducer_StopAbandonsRemainingRows(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	seedLabels(t, b, "1", "2", "3", "4", "5")
	ctx := context.Background()

	consumer := testutil.NewCollectConsumer()
	consumer.OnConsume = func(n int, p *broker.Producer) {
		if n == 2 {
			p.Stop()
		}
	}

	v, err := b.Execute(ctx, "SELECT label FROM events ORDER BY id", nil,
		broker.WithConsumer(consumer)).Wait(ctx)
	require.NoError(t, err)

	<-consumer.DoneCh()
	assert.NoError(t, consumer.Err())
	count := v.(int64)
	assert.GreaterOrEqual(t, count, int64(2))
	assert.Less(t, count, int64(5), "Stop must abandon some rows")

	// The broker is still healthy after an abandoned stream.
	seedLabels(t, b, "after-stop")
}

func TestProducer_QueryFailureReachesDone(t *testing.T) {
	b := newBroker(t, broker.WithStartupHook(withEvents))
	ctx := context.Background()

	consumer := testutil.NewCollectConsumer()
	_, err := b.Execute(ctx, "SELECT nope FROM missing_table", nil,
		broker.WithConsumer(consumer)).Wait(ctx)
	require.Error(t, err)

	<-consumer.DoneCh()
	assert.Error(t, consumer.Err())
	assert.Empty(t, consumer.Rows())
}
