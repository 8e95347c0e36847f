// Package queue is the broker handoff between submission and execution: a
// Redis list of execution units shared by any number of worker processes.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const defaultQueueKey = "tripmill:ingest:queue"

// ExecutionUnit is everything a worker needs to run one ingestion job.
type ExecutionUnit struct {
	JobId     string `json:"job_id"`
	Path      string `json:"path"`
	ChunkSize int    `json:"chunk_size"`
	Filename  string `json:"filename"`
}

type Enqueuer interface {
	Enqueue(unit ExecutionUnit) error
}

type RedisWorkQueue struct {
	db  redis.UniversalClient
	key string
}

func NewRedisWorkQueue(db redis.UniversalClient) *RedisWorkQueue {
	return &RedisWorkQueue{db: db, key: defaultQueueKey}
}

func (q *RedisWorkQueue) Enqueue(unit ExecutionUnit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(q.db.LPush(q.key, data).Err())
}

// Dequeue blocks for at most timeout waiting for a unit. It returns (nil, nil)
// on timeout so callers can re-check their context and come back, keeping the
// wait bounded rather than blocking indefinitely.
func (q *RedisWorkQueue) Dequeue(ctx context.Context, timeout time.Duration) (*ExecutionUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := q.db.BRPop(timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// BRPop returns [key, value]
	unit := &ExecutionUnit{}
	if err := json.Unmarshal([]byte(result[1]), unit); err != nil {
		return nil, errors.WithStack(err)
	}
	return unit, nil
}
