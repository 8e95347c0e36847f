package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type PostgresConfig struct {
	// libpq-style connection parameters (host, port, dbname, user, password, sslmode)
	Connection map[string]string
}

type RedisConfig struct {
	Addr     string
	Password string
	Db       int
	PoolSize int
}

func (rc RedisConfig) AsOptions() *redis.Options {
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.Db,
		PoolSize: rc.PoolSize,
	}
}

// ServerConfig configures the HTTP-facing tripmill binary.
type ServerConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Postgres PostgresConfig
	Redis    RedisConfig

	// Directory uploaded files are written to before enqueueing
	UploadDir string
	// Default chunk size passed to workers in each execution unit
	ChunkSize int
	// Poll interval used by the status stream as a liveness floor
	StreamPollInterval time.Duration
}

// WorkerConfig configures the ingestworker binary.
type WorkerConfig struct {
	MetricsPort uint16

	Postgres PostgresConfig
	Redis    RedisConfig

	// Chunk size used when an execution unit does not carry one
	ChunkSize int
	// Whether to use the COPY protocol bulk path; when false rows are
	// inserted with chunked multi-row statements instead
	UseCopyProtocol bool
	// Retry budget for retryable database errors during a load
	MaxAttempts int
	MaxBackoff  time.Duration
	// How long a single blocking dequeue waits before re-checking for shutdown
	DequeueTimeout time.Duration
}
