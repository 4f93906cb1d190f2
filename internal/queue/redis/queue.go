// Package redis implements crawler.Queue on a Redis list. Tasks are pushed
// as JSON with LPUSH and popped with BRPOP; caller-supplied task IDs are
// claimed with SET NX so a task cannot be queued twice while it is pending
// or running.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

const (
	defaultPrefix       = "crawler"
	defaultDedupeTTL    = time.Hour
	defaultBlockTimeout = 2 * time.Second
)

// Config holds Redis connection and queue settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DedupeTTL    time.Duration
	BlockTimeout time.Duration
}

// Queue is a Redis-backed task queue.
type Queue struct {
	client       redis.UniversalClient
	queueKey     string
	taskPrefix   string
	dedupeTTL    time.Duration
	blockTimeout time.Duration
	closed       atomic.Bool
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("queue.redis_addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	return &Queue{
		client:       client,
		queueKey:     prefix + ":queue",
		taskPrefix:   prefix + ":task:",
		dedupeTTL:    ttl,
		blockTimeout: block,
	}, nil
}

// Enqueue claims the task ID (when set) and pushes the task.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	if task.ID != "" {
		ok, err := q.client.SetNX(ctx, q.taskKey(task.ID), string(task.Name), q.dedupeTTL).Result()
		if err != nil {
			return fmt.Errorf("claim task %s: %w", task.ID, err)
		}
		if !ok {
			return fmt.Errorf("task %s: %w", task.ID, crawler.ErrDuplicateTask)
		}
	}

	if err := q.client.LPush(ctx, q.queueKey, payload).Err(); err != nil {
		if task.ID != "" {
			_ = q.client.Del(context.WithoutCancel(ctx), q.taskKey(task.ID)).Err()
		}
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Dequeue blocks until a task is available, the context ends or the queue
// is closed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	for {
		if q.closed.Load() {
			return crawler.Task{}, crawler.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}

		res, err := q.client.BRPop(ctx, q.blockTimeout, q.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return crawler.Task{}, fmt.Errorf("pop task: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			return crawler.Task{}, fmt.Errorf("pop task: unexpected reply %v", res)
		}

		var task crawler.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return crawler.Task{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Complete releases the task's ID.
func (q *Queue) Complete(ctx context.Context, task crawler.Task) error {
	if task.ID == "" {
		return nil
	}
	if err := q.client.Del(ctx, q.taskKey(task.ID)).Err(); err != nil {
		return fmt.Errorf("release task %s: %w", task.ID, err)
	}
	return nil
}

// Len reports the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Close stops Dequeue from waiting for more work. The client is owned by the
// caller.
func (q *Queue) Close() {
	q.closed.Store(true)
}

func (q *Queue) taskKey(id string) string {
	return q.taskPrefix + id
}
