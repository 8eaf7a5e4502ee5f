package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/relaycore/mtarelay/internal/model"
	"github.com/relaycore/mtarelay/internal/relayerr"
)

const (
	readyKey    = "mtarelay:queue:ready"
	inFlightKey = "mtarelay:queue:in_flight"
)

// RedisQueue is the networked KV-store backend from spec §4.B.1: ready
// and in_flight are Redis lists, and dequeue uses RPOPLPUSH for the
// atomic reliable-handoff primitive.
type RedisQueue struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisQueue builds a RedisQueue from a connection URL of the form
// scheme://host:port[/db], matching spec §6's KV-store connection
// string contract.
func NewRedisQueue(url string, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, logger: logger.With("component", "queue.redis")}, nil
}

// NewRedisQueueFromClient wraps an already-constructed client; used by
// tests to point at a miniredis instance.
func NewRedisQueueFromClient(client *redis.Client, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, logger: logger.With("component", "queue.redis")}
}

func (q *RedisQueue) Enqueue(ctx context.Context, m *model.Message) error {
	data, err := marshal(m)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey, data).Err(); err != nil {
		return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return nil
}

// Dequeue uses RPOPLPUSH, Redis's atomic pop-from-one-push-into-another
// primitive: the entry is visible in in_flight the instant it leaves
// ready, so a worker crash between this call and Settle never loses it.
func (q *RedisQueue) Dequeue(ctx context.Context) (*model.Message, error) {
	data, err := q.client.RPopLPush(ctx, readyKey, inFlightKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	m, err := unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("queue: unmarshal dequeued message: %w", err)
	}
	return m, nil
}

// Settle scans in_flight for the entry matching id and removes it. The
// scan is O(n) in the in-flight depth, a known tradeoff spec §9 permits
// (an auxiliary hash index is optional, not required).
func (q *RedisQueue) Settle(ctx context.Context, id string, terminal model.Status) error {
	entries, err := q.client.LRange(ctx, inFlightKey, 0, -1).Result()
	if err != nil {
		return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	for _, raw := range entries {
		m, err := unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		if m.ID != id {
			continue
		}
		if err := q.client.LRem(ctx, inFlightKey, 1, raw).Err(); err != nil {
			return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
		}
		return nil
	}
	// Unknown id: settle is idempotent, per spec §4.B.
	return nil
}

func (q *RedisQueue) SizeReady(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return n, nil
}

func (q *RedisQueue) SizeInFlight(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, inFlightKey).Result()
	if err != nil {
		return 0, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return n, nil
}

// Recover drains in_flight back onto ready, one entry per RPOPLPUSH so
// each move stays atomic; it resets status to pending on the way.
// RPOPLPUSH pushes onto readyKey's Redis-list head (index 0), the same
// end Enqueue's LPush uses for brand-new entries, but since Dequeue
// consumes from the opposite end (RPOP, the oldest-pushed side), index 0
// is the FIFO's back: a recovered entry dispatches after whatever was
// already sitting in ready, matching the Queue.Recover contract.
func (q *RedisQueue) Recover(ctx context.Context) error {
	recovered := 0
	for {
		data, err := q.client.RPopLPush(ctx, inFlightKey, readyKey).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
		}
		m, err := unmarshal(data)
		if err != nil {
			continue
		}
		m.Status = model.StatusPending
		rewritten, err := marshal(m)
		if err != nil {
			continue
		}
		// Overwrite the just-moved entry with its status reset. The
		// window between the move and this rewrite is a list with a
		// stale status field; no consumer reads status off the wire
		// form before a fresh dequeue re-marshals it, so this is safe.
		if err := q.client.LSet(ctx, readyKey, 0, rewritten).Err(); err != nil {
			return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered in-flight entries", "count", recovered)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
