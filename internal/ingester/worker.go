// Package ingester runs the asynchronous side of the pipeline: workers pull
// execution units off the shared broker and run them to completion, updating
// the durable ledger before every progress publication.
package ingester

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/ingester/loader"
	"github.com/tripmill/tripmill/internal/ingester/metrics"
	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/progress"
	"github.com/tripmill/tripmill/internal/queue"
)

type Worker struct {
	queue            *queue.RedisWorkQueue
	ledger           ledger.JobLedger
	publisher        progress.Publisher
	loader           *loader.BulkLoader
	metrics          *metrics.Metrics
	defaultChunkSize int
	dequeueTimeout   time.Duration
}

func NewWorker(
	q *queue.RedisWorkQueue,
	l ledger.JobLedger,
	publisher progress.Publisher,
	bulkLoader *loader.BulkLoader,
	m *metrics.Metrics,
	defaultChunkSize int,
	dequeueTimeout time.Duration,
) *Worker {
	return &Worker{
		queue:            q,
		ledger:           l,
		publisher:        publisher,
		loader:           bulkLoader,
		metrics:          m,
		defaultChunkSize: defaultChunkSize,
		dequeueTimeout:   dequeueTimeout,
	}
}

// Run pulls execution units until the context is cancelled. Each unit runs
// start-to-finish before the worker picks up the next one.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		unit, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("Failed to dequeue execution unit, backing off")
			time.Sleep(time.Second)
			continue
		}
		if unit == nil {
			continue
		}
		w.runJob(ctx, unit)
	}
}

func (w *Worker) runJob(ctx context.Context, unit *queue.ExecutionUnit) {
	jobLog := log.WithField("jobId", unit.JobId)
	jobLog.Infof("Starting ingestion of %s", unit.Filename)

	// Idempotent reset: if the execution framework redelivers the unit after a
	// partial failure, the ledger row goes back to a clean queued state first.
	if err := w.ledger.CreateOrReset(ctx, unit.JobId, unit.Filename); err != nil {
		jobLog.WithError(err).Error("Cannot reset ledger record, abandoning unit")
		return
	}

	if err := w.ledger.MarkRunning(ctx, unit.JobId); err != nil {
		jobLog.WithError(err).Error("Cannot mark job running, abandoning unit")
		return
	}
	w.publish(progress.Event{
		JobId:    unit.JobId,
		Status:   ledger.StatusRunning,
		Message:  fmt.Sprintf("Started ingestion: %s", unit.Filename),
	})

	total, err := w.loader.CountDataRows(unit.Path)
	if err != nil {
		w.fail(ctx, unit.JobId, err)
		return
	}
	if err := w.ledger.SetExpectedTotal(ctx, unit.JobId, total); err != nil {
		w.fail(ctx, unit.JobId, err)
		return
	}
	w.publish(progress.Event{
		JobId:  unit.JobId,
		Status: ledger.StatusRunning,
		Total:  &total,
	})

	chunkSize := unit.ChunkSize
	if chunkSize <= 0 {
		chunkSize = w.defaultChunkSize
	}

	onProgress := func(inserted int64) {
		// The ledger write must be durable before the event goes out, so a
		// subscriber that misses the event can still read current truth.
		if err := w.ledger.RecordProgress(ctx, unit.JobId, inserted); err != nil {
			jobLog.WithError(err).Warn("Could not persist progress")
			return
		}
		w.publish(progress.Event{
			JobId:    unit.JobId,
			Status:   ledger.StatusRunning,
			Inserted: inserted,
			Total:    &total,
		})
	}

	inserted, err := w.loader.Load(ctx, unit.JobId, unit.Path, chunkSize, onProgress)
	if err != nil {
		w.fail(ctx, unit.JobId, err)
		return
	}

	message := fmt.Sprintf("Completed: inserted %d rows from %s", inserted, unit.Filename)
	if err := w.ledger.MarkCompleted(ctx, unit.JobId, inserted, message); err != nil {
		jobLog.WithError(err).Error("Job loaded but ledger completion write failed")
		return
	}
	w.metrics.RecordRowsIngested(inserted)
	w.metrics.RecordJobCompleted()
	w.publish(progress.Event{
		JobId:    unit.JobId,
		Status:   ledger.StatusCompleted,
		Inserted: inserted,
		Total:    &total,
		Message:  message,
	})
	jobLog.Info(message)
}

// fail marks the job failed with the error message, then publishes. Failed
// jobs always explain why in last_message.
func (w *Worker) fail(ctx context.Context, jobId string, cause error) {
	log.WithError(cause).Errorf("Job %s failed", jobId)
	w.metrics.RecordJobFailed()
	if err := w.ledger.MarkFailed(ctx, jobId, cause.Error()); err != nil {
		log.WithError(err).Errorf("Could not mark job %s failed", jobId)
		return
	}
	w.publish(progress.Event{
		JobId:   jobId,
		Status:  ledger.StatusFailed,
		Message: cause.Error(),
	})
}

func (w *Worker) publish(event progress.Event) {
	if err := w.publisher.Publish(event); err != nil {
		// best-effort: observers recover from the ledger snapshot
		log.WithError(err).Warnf("Could not publish progress for job %s", event.JobId)
	}
}
