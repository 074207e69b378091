// Package redisqueue carries notification tasks over a Redis list, so the
// relay and the worker can run in different processes.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

// DefaultKey is the list tasks are pushed to when no key is configured.
const DefaultKey = "gochat:notify:tasks"

// redisClient is the subset of go-redis the queue needs.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Queue is a notify.TaskQueue and notify.TaskSource backed by one Redis
// list. Tasks are pushed on the left and popped from the right.
type Queue struct {
	client      redisClient
	key         string
	pollTimeout time.Duration
	logger      zerolog.Logger
}

var (
	_ notify.TaskQueue  = (*Queue)(nil)
	_ notify.TaskSource = (*Queue)(nil)
)

// New returns a Queue on key. An empty key uses DefaultKey.
func New(client redisClient, key string, logger zerolog.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Queue{
		client:      client,
		key:         key,
		pollTimeout: 5 * time.Second,
		logger:      logger.With().Str("component", "redis-queue").Str("key", key).Logger(),
	}, nil
}

// Enqueue implements notify.TaskQueue.
func (q *Queue) Enqueue(ctx context.Context, task notify.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush task: %w", err)
	}
	q.logger.Debug().Str("task", task.ID).Msg("Task enqueued")
	return nil
}

// Dequeue implements notify.TaskSource. It polls with BRPOP until a task
// arrives or ctx is done. Payloads that do not decode are dropped.
func (q *Queue) Dequeue(ctx context.Context) (notify.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return notify.Task{}, err
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return notify.Task{}, ctxErr
			}
			return notify.Task{}, fmt.Errorf("brpop task: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			q.logger.Warn().Int("fields", len(res)).Msg("Unexpected BRPOP reply")
			continue
		}

		var task notify.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			q.logger.Warn().Err(err).Msg("Dropping undecodable task")
			continue
		}
		return task, nil
	}
}
