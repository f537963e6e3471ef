// Package queue consumes job messages from a Redis list.
//
// Producers LPUSH onto the list and the worker pops from the other end, so
// delivery is FIFO. In reliable mode a popped message is moved atomically
// into a per-worker processing list and only dropped from it by Ack, which
// lets a restarted worker requeue whatever it was running when it died.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/coderunner/redisclient"
)

// ErrUnavailable wraps failures to reach the queue server
var ErrUnavailable = errors.New("queue unavailable")

// Message is one dequeued job payload
type Message struct {
	Body []byte

	raw string
}

// Queue is the blocking work queue the worker consumes
type Queue interface {
	// Pop blocks up to timeout and returns nil, nil when nothing arrived.
	Pop(ctx context.Context, timeout time.Duration) (*Message, error)
	// Ack marks msg as handled. It is a no-op unless the queue is reliable.
	Ack(ctx context.Context, msg *Message) error
}

// Option configures a RedisQueue
type Option func(*RedisQueue)

// WithReliable enables the processing list for workerID
func WithReliable(workerID string) Option {
	return func(q *RedisQueue) {
		q.reliable = true
		q.processingKey = ProcessingKey(q.key, workerID)
	}
}

// ProcessingKey names the list holding a worker's in-flight messages
func ProcessingKey(queueKey, workerID string) string {
	return queueKey + ":processing:" + workerID
}

// RedisQueue implements Queue on a Redis list
type RedisQueue struct {
	logger        *zap.Logger
	client        redis.Cmdable
	key           string
	reliable      bool
	processingKey string
}

// NewRedisQueue creates a queue reading from key
func NewRedisQueue(logger *zap.Logger, client redis.Cmdable, key string, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		logger: logger,
		client: client,
		key:    key,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key returns the list the queue reads from
func (q *RedisQueue) Key() string {
	return q.key
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	var (
		value string
		err   error
	)

	if q.reliable {
		value, err = q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", timeout).Result()
	} else {
		var values []string
		values, err = q.client.BRPop(ctx, timeout, q.key).Result()
		if err == nil {
			if len(values) != 2 {
				return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(values))
			}
			value = values[1]
		}
	}

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("pop", err)
	}

	return &Message{Body: []byte(value), raw: value}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if !q.reliable || msg == nil {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey, 1, msg.raw).Err(); err != nil {
		return wrap("ack", err)
	}
	return nil
}

// Recover moves messages left in this worker's processing list back to the
// head of the queue, oldest first. It returns how many were requeued.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	if !q.reliable {
		return 0, nil
	}

	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey, q.key, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, wrap("recover", err)
		}
		moved++
	}

	if moved > 0 {
		q.logger.Warn("Requeued unacknowledged jobs",
			zap.Int("count", moved),
			zap.String("processing_key", q.processingKey))
	}
	return moved, nil
}

// Len returns the number of waiting messages
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, wrap("len", err)
	}
	return n, nil
}

func wrap(op string, err error) error {
	if redisclient.IsConnectivityError(err) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return fmt.Errorf("queue %s: %w", op, err)
}
