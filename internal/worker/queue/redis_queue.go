// Package queue is a Redis list used to wake idle workers when a job is
// created. The job store stays the source of truth; a lost nudge only
// delays pickup until the next poll.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"cre8/internal/pkg/errors"
)

// maxPending bounds the nudge list when no worker is draining it, which
// also bounds how many spare wake-ups a burst of creates can cause.
const maxPending = 100

// redisClient is the part of *redis.Client the queue uses.
type redisClient interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type RedisQueue struct {
	rdb       redisClient
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Nudge pushes jobID onto the list.
func (q *RedisQueue) Nudge(ctx context.Context, jobID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.queueName, jobID)
		pipe.LTrim(ctx, q.queueName, 0, maxPending-1)
		return nil
	})
	return err
}

// Wait blocks (BRPOP) until a nudge arrives or timeout passes. It reports
// whether it was woken by a nudge. Each call takes a single nudge so the
// rest of a burst is left for other workers.
func (q *RedisQueue) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	res, err := q.rdb.BRPop(ctx, blockTimeout(timeout), q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(res) < 2 {
		return false, nil
	}
	return true, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// blockTimeout rounds up to whole seconds; BRPOP would treat 0 as forever.
func blockTimeout(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
