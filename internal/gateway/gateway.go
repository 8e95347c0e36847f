// Package gateway serves job status to clients, either as a point read of the
// ledger or as a live stream combining pub/sub events with periodic ledger
// polls.
package gateway

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/progress"
)

const defaultPollInterval = time.Second

type Gateway struct {
	ledger       ledger.JobLedger
	subscriber   progress.Subscriber
	pollInterval time.Duration
}

func NewGateway(jobLedger ledger.JobLedger, subscriber progress.Subscriber, pollInterval time.Duration) *Gateway {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Gateway{ledger: jobLedger, subscriber: subscriber, pollInterval: pollInterval}
}

// GetStatus returns the durable job record. Unknown ids surface as
// triperrors.ErrJobNotFound.
func (g *Gateway) GetStatus(ctx context.Context, jobId string) (*ledger.JobRecord, error) {
	return g.ledger.Get(ctx, jobId)
}

// Stream returns a channel of status snapshots for the job, starting with the
// current ledger record. Pub/sub events update the snapshot as they arrive and
// a poll of the ledger covers any events dropped in transit. The channel is
// closed once a terminal status has been delivered or ctx is cancelled.
func (g *Gateway) Stream(ctx context.Context, jobId string) (<-chan ledger.JobRecord, error) {
	// Snapshot first: the job must exist before a stream is opened, and the
	// subscriber needs current truth since events only carry deltas.
	record, err := g.ledger.Get(ctx, jobId)
	if err != nil {
		return nil, err
	}

	sub, err := g.subscriber.Subscribe(jobId)
	if err != nil {
		return nil, err
	}

	out := make(chan ledger.JobRecord, 1)
	go g.pump(ctx, jobId, *record, sub, out)
	return out, nil
}

func (g *Gateway) pump(
	ctx context.Context,
	jobId string,
	current ledger.JobRecord,
	sub progress.Subscription,
	out chan<- ledger.JobRecord,
) {
	defer close(out)
	defer func() {
		if err := sub.Close(); err != nil {
			log.WithError(err).Warnf("Could not close subscription for job %s", jobId)
		}
	}()

	send := func() bool {
		select {
		case out <- current:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send() {
		return
	}
	if current.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			current.Status = event.Status
			current.InsertedSoFar = event.Inserted
			if event.Total != nil {
				current.TotalExpected = event.Total
			}
			if event.Message != "" {
				current.LastMessage = event.Message
			}
			if !send() {
				return
			}
			if current.Status.Terminal() {
				return
			}
		case <-ticker.C:
			record, err := g.ledger.Get(ctx, jobId)
			if err != nil {
				log.WithError(err).Warnf("Could not poll ledger for job %s", jobId)
				continue
			}
			if !recordChanged(current, *record) {
				continue
			}
			current = *record
			if !send() {
				return
			}
			if current.Status.Terminal() {
				return
			}
		}
	}
}

// recordChanged compares every field the stream payload carries, so a poll
// that only moved the expected total or the message is still delivered.
func recordChanged(prev, next ledger.JobRecord) bool {
	return prev.Status != next.Status ||
		prev.InsertedSoFar != next.InsertedSoFar ||
		prev.LastMessage != next.LastMessage ||
		!equalTotals(prev.TotalExpected, next.TotalExpected)
}

func equalTotals(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
