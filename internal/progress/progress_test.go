package progress

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmill/tripmill/internal/ledger"
)

func TestPublishWithoutSubscribersDoesNotError(t *testing.T) {
	withRedisProgress(t, func(p *RedisProgress) {
		err := p.Publish(Event{JobId: "job-1", Status: ledger.StatusRunning, Inserted: 10})
		assert.NoError(t, err)
	})
}

func TestSubscriberReceivesPublishedEvents(t *testing.T) {
	withRedisProgress(t, func(p *RedisProgress) {
		sub, err := p.Subscribe("job-1")
		require.NoError(t, err)
		defer sub.Close()

		total := int64(3)
		require.NoError(t, p.Publish(Event{JobId: "job-1", Status: ledger.StatusRunning, Inserted: 1, Total: &total}))
		require.NoError(t, p.Publish(Event{JobId: "job-1", Status: ledger.StatusCompleted, Inserted: 3, Total: &total}))

		first := receiveEvent(t, sub)
		assert.Equal(t, ledger.StatusRunning, first.Status)
		assert.Equal(t, int64(1), first.Inserted)

		second := receiveEvent(t, sub)
		assert.Equal(t, ledger.StatusCompleted, second.Status)
		assert.Equal(t, int64(3), second.Inserted)
		require.NotNil(t, second.Total)
		assert.Equal(t, int64(3), *second.Total)
	})
}

func TestFanOutDeliversToEverySubscriber(t *testing.T) {
	withRedisProgress(t, func(p *RedisProgress) {
		first, err := p.Subscribe("job-1")
		require.NoError(t, err)
		defer first.Close()
		second, err := p.Subscribe("job-1")
		require.NoError(t, err)
		defer second.Close()

		require.NoError(t, p.Publish(Event{JobId: "job-1", Status: ledger.StatusCompleted, Inserted: 3}))

		// fan-out: each subscription gets its own copy of the terminal event
		assert.Equal(t, ledger.StatusCompleted, receiveEvent(t, first).Status)
		assert.Equal(t, ledger.StatusCompleted, receiveEvent(t, second).Status)
	})
}

func TestSubscriptionsAreScopedByJobId(t *testing.T) {
	withRedisProgress(t, func(p *RedisProgress) {
		sub, err := p.Subscribe("job-1")
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, p.Publish(Event{JobId: "job-2", Status: ledger.StatusCompleted}))
		require.NoError(t, p.Publish(Event{JobId: "job-1", Status: ledger.StatusRunning}))

		event := receiveEvent(t, sub)
		assert.Equal(t, "job-1", event.JobId)
	})
}

func TestCloseReleasesSubscription(t *testing.T) {
	withRedisProgress(t, func(p *RedisProgress) {
		sub, err := p.Subscribe("job-1")
		require.NoError(t, err)
		assert.NoError(t, sub.Close())

		select {
		case _, open := <-sub.Events():
			assert.False(t, open)
		case <-time.After(5 * time.Second):
			t.Fatal("events channel not closed after Close")
		}
	})
}

func receiveEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event, open := <-sub.Events():
		require.True(t, open, "events channel closed unexpectedly")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for progress event")
		return Event{}
	}
}

func withRedisProgress(t *testing.T, action func(p *RedisProgress)) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	action(NewRedisProgress(client))
}
