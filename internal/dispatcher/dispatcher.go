// Package dispatcher accepts uploaded trip files, persists them to local
// storage and hands the ingestion work off to the queue. The submission is
// only acknowledged once both the file and the ledger row are durable.
package dispatcher

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/common/triperrors"
	"github.com/tripmill/tripmill/internal/common/util"
	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/queue"
)

type Dispatcher struct {
	uploadDir string
	chunkSize int
	ledger    ledger.JobLedger
	queue     queue.Enqueuer
}

func NewDispatcher(uploadDir string, chunkSize int, jobLedger ledger.JobLedger, enqueuer queue.Enqueuer) *Dispatcher {
	return &Dispatcher{
		uploadDir: uploadDir,
		chunkSize: chunkSize,
		ledger:    jobLedger,
		queue:     enqueuer,
	}
}

// Submit stores the uploaded file under a fresh job id and enqueues it for
// ingestion. The file is synced to disk and the ledger row written before the
// queue push, so a crash between the two leaves a queued job that can be
// re-dispatched rather than a dangling queue entry pointing at nothing.
func (d *Dispatcher) Submit(ctx context.Context, contents io.Reader, filename string) (string, error) {
	jobId := util.NewULID()

	path, err := d.store(jobId, contents)
	if err != nil {
		return "", &triperrors.ErrStorageUnavailable{
			Message: "could not store uploaded file",
			Inner:   err,
		}
	}

	if err := d.ledger.CreateOrReset(ctx, jobId, filename); err != nil {
		d.discard(path)
		return "", &triperrors.ErrStorageUnavailable{
			Message: "could not record submission",
			Inner:   err,
		}
	}

	err = d.queue.Enqueue(queue.ExecutionUnit{
		JobId:     jobId,
		Path:      path,
		ChunkSize: d.chunkSize,
		Filename:  filename,
	})
	if err != nil {
		// The caller must not be handed a job id that will never run.
		d.discard(path)
		return "", &triperrors.ErrStorageUnavailable{
			Message: "could not enqueue ingestion job",
			Inner:   err,
		}
	}

	log.Infof("Dispatched job %s for file %s", jobId, filename)
	return jobId, nil
}

func (d *Dispatcher) store(jobId string, contents io.Reader) (string, error) {
	if err := os.MkdirAll(d.uploadDir, 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(d.uploadDir, jobId+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()
	if _, err := io.Copy(f, contents); err != nil {
		return "", errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		return "", errors.WithStack(err)
	}
	return path, nil
}

func (d *Dispatcher) discard(path string) {
	if err := os.Remove(path); err != nil {
		log.WithError(err).Warnf("Could not remove upload %s", path)
	}
}
