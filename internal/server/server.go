// Package server hosts the HTTP surface: upload, status, websocket streaming
// and analytics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/common/database"
	"github.com/tripmill/tripmill/internal/configuration"
	"github.com/tripmill/tripmill/internal/dispatcher"
	"github.com/tripmill/tripmill/internal/gateway"
	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/progress"
	"github.com/tripmill/tripmill/internal/queue"
	"github.com/tripmill/tripmill/internal/schema"
	"github.com/tripmill/tripmill/internal/stats"
)

// Run starts the server and blocks until ctx is cancelled.
func Run(ctx context.Context, config *configuration.ServerConfig) error {
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

	jobLedger := ledger.NewPostgresLedger(db)
	redisProgress := progress.NewRedisProgress(redisClient)
	handlers := NewHandlers(
		dispatcher.NewDispatcher(config.UploadDir, config.ChunkSize, jobLedger, queue.NewRedisWorkQueue(redisClient)),
		gateway.NewGateway(jobLedger, redisProgress, config.StreamPollInterval),
		stats.NewStats(db),
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
	}))
	handlers.Register(e)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("error shutting down http server")
		}
	}()

	log.Infof("Serving http on :%d", config.HttpPort)
	if err := e.Start(fmt.Sprintf(":%d", config.HttpPort)); err != nil && err != http.ErrServerClosed {
		return errors.WithStack(err)
	}
	return nil
}
