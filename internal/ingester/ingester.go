package ingester

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/common/database"
	"github.com/tripmill/tripmill/internal/configuration"
	"github.com/tripmill/tripmill/internal/ingester/loader"
	"github.com/tripmill/tripmill/internal/ingester/metrics"
	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/progress"
	"github.com/tripmill/tripmill/internal/queue"
	"github.com/tripmill/tripmill/internal/schema"
)

// Run wires up an ingestion worker and executes units until ctx is cancelled.
func Run(ctx context.Context, config *configuration.WorkerConfig) error {
	log.Info("Opening connection pool to postgres")
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "error opening connection to postgres")
	}
	defer db.Close()

	if err := database.UpdateDatabase(ctx, db, schema.Migrations()); err != nil {
		return errors.WithMessage(err, "error migrating database")
	}

	redisClient := redis.NewClient(config.Redis.AsOptions())
	defer redisClient.Close()
	if err := redisClient.Ping().Err(); err != nil {
		return errors.WithMessage(err, "error connecting to redis")
	}

	m := metrics.Get()
	if config.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", config.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics server failure")
			}
		}()
	}

	worker := NewWorker(
		queue.NewRedisWorkQueue(redisClient),
		ledger.NewPostgresLedger(db),
		progress.NewRedisProgress(redisClient),
		loader.NewBulkLoader(db, m, config.UseCopyProtocol, config.MaxAttempts, config.MaxBackoff),
		m,
		config.ChunkSize,
		config.DequeueTimeout,
	)

	log.Info("Worker ready, waiting for execution units")
	return worker.Run(ctx)
}
