package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/mtarelay/internal/model"
)

func newTestSQLQueue(t *testing.T) *SQLQueue {
	t.Helper()
	path := fmt.Sprintf("%s/queue.db", t.TempDir())
	q, err := NewSQLQueue(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestSQLQueue_EnqueueDequeueSettle(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hi"))
	require.NoError(t, q.Enqueue(ctx, m))

	ready, err := q.SizeReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.ToAddrs, got.ToAddrs)
	assert.Equal(t, m.Body, got.Body)

	ready, _ = q.SizeReady(ctx)
	inFlight, _ := q.SizeInFlight(ctx)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), inFlight)

	require.NoError(t, q.Settle(ctx, got.ID, model.StatusSent))

	inFlight, _ = q.SizeInFlight(ctx)
	assert.Equal(t, int64(0), inFlight)
}

func TestSQLQueue_DequeueEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLQueue_ConcurrentDequeuesNeverClaimSameRow(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)

	for i := 0; i < 5; i++ {
		m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("msg"))
		require.NoError(t, q.Enqueue(ctx, m))
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[string]bool)
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Dequeue(ctx)
			assert.NoError(t, err)
			if !assert.NotNil(t, got) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[got.ID], "row dequeued twice")
			seen[got.ID] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 5)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLQueue_Recover_ReturnsInFlightToReadyAsPending(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hi"))
	require.NoError(t, q.Enqueue(ctx, m))

	dequeued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	require.NoError(t, q.Recover(ctx))

	inFlight, _ := q.SizeInFlight(ctx)
	ready, _ := q.SizeReady(ctx)
	assert.Equal(t, int64(0), inFlight)
	assert.Equal(t, int64(1), ready)

	recovered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, m.ID, recovered.ID)
}

func TestSQLQueue_ReEnqueueDequeuedIDReturnsItToReady(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hi"))
	require.NoError(t, q.Enqueue(ctx, m))

	dequeued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	// Mirrors worker.requeue: Enqueue is called again with the same id
	// while the row is still in_flight, before the in-flight entry is
	// settled. This must not fail with a primary-key conflict.
	dequeued.Status = model.StatusPending
	require.NoError(t, q.Enqueue(ctx, dequeued))

	require.NoError(t, q.Settle(ctx, dequeued.ID, model.StatusFailedRetry))

	ready, err := q.SizeReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	inFlight, err := q.SizeInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inFlight)

	redispatched, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redispatched)
	assert.Equal(t, m.ID, redispatched.ID)
}

func TestSQLQueue_SettleUnknownIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)

	err := q.Settle(ctx, "no-such-id", model.StatusSent)
	assert.NoError(t, err)
}
