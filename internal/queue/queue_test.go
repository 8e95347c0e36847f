package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	withQueue(t, func(q *RedisWorkQueue) {
		unit := ExecutionUnit{
			JobId:     "01h2xcejqv3b02nvqqeyrz1x8p",
			Path:      "/var/lib/tripmill/uploads/01h2xcejqv3b02nvqqeyrz1x8p.csv",
			ChunkSize: 10000,
			Filename:  "trips.csv",
		}
		require.NoError(t, q.Enqueue(unit))

		got, err := q.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, unit, *got)
	})
}

func TestDequeueIsFifo(t *testing.T) {
	withQueue(t, func(q *RedisWorkQueue) {
		require.NoError(t, q.Enqueue(ExecutionUnit{JobId: "first"}))
		require.NoError(t, q.Enqueue(ExecutionUnit{JobId: "second"}))

		first, err := q.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		second, err := q.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)

		assert.Equal(t, "first", first.JobId)
		assert.Equal(t, "second", second.JobId)
	})
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	withQueue(t, func(q *RedisWorkQueue) {
		unit, err := q.Dequeue(context.Background(), 50*time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, unit)
	})
}

func TestDequeueHonoursCancelledContext(t *testing.T) {
	withQueue(t, func(q *RedisWorkQueue) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.Dequeue(ctx, time.Second)
		assert.Error(t, err)
	})
}

func withQueue(t *testing.T, action func(q *RedisWorkQueue)) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	action(NewRedisWorkQueue(client))
}
