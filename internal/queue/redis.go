package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"killboard/internal/logging"
)

const (
	defaultKillQueueKey = "killmails"
	retrySuffix         = ":retry"
	dlqSuffix           = ":dlq"
	retryCounterSuffix  = ":retry-count:"
	maxRetryAttempts    = 3
	brPopBlock          = 5 * time.Second
)

// Handler processes one job payload. A non-nil error schedules a retry; after
// the retry budget the job lands in the dead-letter queue.
type Handler func(payload []byte) error

// RedisQueue consumes killmail jobs from a Redis list, with a retry list and
// a DLQ alongside it.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a Redis-backed queue consumer.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: defaultKillQueueKey}
}

// Consume delivers jobs to the handler one at a time until the context is
// canceled.
func (q *RedisQueue) Consume(ctx context.Context, queueName string, handler Handler) error {
	return q.ConsumeConcurrent(ctx, queueName, 1, 1, handler)
}

// ConsumeConcurrent feeds jobs from BRPOP into a pool of workerCount workers.
func (q *RedisQueue) ConsumeConcurrent(ctx context.Context, queueName string, workerCount, bufferSize int, handler Handler) error {
	logger := logging.Logger()
	if queueName == "" {
		queueName = q.key
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	retryKey := queueName + retrySuffix
	dlqKey := queueName + dlqSuffix

	jobs := make(chan []byte, bufferSize)
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for payload := range jobs {
				if err := handler(payload); err != nil {
					logger.Warnf("worker %d: handler error, scheduling retry: %v", workerID, err)
					if err := q.scheduleRetry(ctx, queueName, retryKey, dlqKey, payload); err != nil {
						logger.Errorf("worker %d: retry handling failed: %v", workerID, err)
					}
					continue
				}
				_ = q.clearRetryCounter(ctx, queueName, payload)
			}
		}(i)
	}

	logger.Infof("consuming queue %s with %d workers", queueName, workerCount)

	err := q.popLoop(ctx, queueName, retryKey, jobs)
	close(jobs)
	wg.Wait()
	return err
}

// popLoop blocks on BRPOP across the retry and main lists, handing payloads
// to the job channel until the context is canceled.
func (q *RedisQueue) popLoop(ctx context.Context, queueName, retryKey string, jobs chan<- []byte) error {
	logger := logging.Logger()

	for {
		if ctx.Err() != nil {
			logger.Warnf("queue consumer exiting: %v", ctx.Err())
			return ctx.Err()
		}

		result, err := q.client.BRPop(ctx, brPopBlock, retryKey, queueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("redis BRPOP error: %v", err)
			continue
		}
		if len(result) < 2 {
			continue
		}

		select {
		case jobs <- []byte(result[1]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *RedisQueue) scheduleRetry(ctx context.Context, baseQueue, retryKey, dlqKey string, payload []byte) error {
	logger := logging.Logger()
	attempt, err := q.incrementRetryCounter(ctx, baseQueue, payload)
	if err != nil {
		return err
	}
	if attempt > maxRetryAttempts {
		logger.Warnf("moving job to DLQ after %d attempts", attempt-1)
		_ = q.client.LPush(ctx, dlqKey, payload).Err()
		_ = q.clearRetryCounter(ctx, baseQueue, payload)
		return nil
	}
	return q.client.LPush(ctx, retryKey, payload).Err()
}

func (q *RedisQueue) incrementRetryCounter(ctx context.Context, queueName string, payload []byte) (int64, error) {
	key := retryCounterKey(queueName, payload)
	count, err := q.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = q.client.Expire(ctx, key, 24*time.Hour).Err()
	return count, nil
}

func (q *RedisQueue) clearRetryCounter(ctx context.Context, queueName string, payload []byte) error {
	return q.client.Del(ctx, retryCounterKey(queueName, payload)).Err()
}

func retryCounterKey(queue string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s%s%s", queue, retryCounterSuffix, hex.EncodeToString(sum[:]))
}
