// Package progress fans progress events out to live observers over Redis
// pub/sub. Delivery is best-effort, at-most-once: publishing never blocks on
// subscriber presence or speed, and a late subscriber must first read the
// durable job record to recover current truth.
package progress

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/ledger"
)

const channelPrefix = "job:"

// subscriberBuffer bounds how far a slow subscriber may lag before events are
// dropped for it. Dropping is fine: the terminal event is always re-derivable
// from the ledger snapshot.
const subscriberBuffer = 64

type Event struct {
	JobId    string        `json:"job_id"`
	Status   ledger.Status `json:"status"`
	Inserted int64         `json:"inserted"`
	Total    *int64        `json:"total,omitempty"`
	Message  string        `json:"message,omitempty"`
}

type Publisher interface {
	Publish(event Event) error
}

type Subscriber interface {
	Subscribe(jobId string) (Subscription, error)
}

// Subscription is one observer's independent view of a job's event channel.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// RedisProgress implements both Publisher and Subscriber on a shared Redis client.
type RedisProgress struct {
	db redis.UniversalClient
}

func NewRedisProgress(db redis.UniversalClient) *RedisProgress {
	return &RedisProgress{db: db}
}

func (p *RedisProgress) Publish(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(p.db.Publish(channelPrefix+event.JobId, data).Err())
}

func (p *RedisProgress) Subscribe(jobId string) (Subscription, error) {
	pubsub := p.db.Subscribe(channelPrefix + jobId)
	// Force the subscription to be established before returning, so events
	// published after Subscribe returns are guaranteed to be delivered.
	if _, err := pubsub.Receive(); err != nil {
		_ = pubsub.Close()
		return nil, errors.WithStack(err)
	}

	events := make(chan Event, subscriberBuffer)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.WithError(err).Warnf("Discarding unparseable progress event on %s", msg.Channel)
				continue
			}
			select {
			case events <- event:
			default:
				log.Warnf("Subscriber for job %s is not keeping up, dropping event", event.JobId)
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, events: events}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
