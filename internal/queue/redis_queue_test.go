package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/mtarelay/internal/model"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueFromClient(client, nil)
}

func TestRedisQueue_EnqueueDequeueSettle(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hi"))
	require.NoError(t, q.Enqueue(ctx, m))

	ready, err := q.SizeReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.FromAddr, got.FromAddr)
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

func TestRedisQueue_DequeueEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisQueue_SettleUnknownIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	err := q.Settle(ctx, "no-such-id", model.StatusSent)
	assert.NoError(t, err)
}

func TestRedisQueue_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	first := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("first"))
	second := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("second"))
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	got2, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ID, got1.ID)
	assert.Equal(t, second.ID, got2.ID)
}

func TestRedisQueue_Recover_ReturnsInFlightToReadyAsPending(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hi"))
	require.NoError(t, q.Enqueue(ctx, m))

	dequeued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	inFlight, _ := q.SizeInFlight(ctx)
	assert.Equal(t, int64(1), inFlight)

	require.NoError(t, q.Recover(ctx))

	inFlight, _ = q.SizeInFlight(ctx)
	ready, _ := q.SizeReady(ctx)
	assert.Equal(t, int64(0), inFlight)
	assert.Equal(t, int64(1), ready)

	recovered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, model.StatusPending, recovered.Status)
	assert.Equal(t, m.ID, recovered.ID)
}
