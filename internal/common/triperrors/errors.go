// Package triperrors contains the typed errors surfaced by the ingestion pipeline.
// Callers are expected to branch on error type with errors.As, never on message text.
package triperrors

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// ErrMalformedPoint indicates a coordinate string that does not match the
// expected WKT pattern POINT (lon lat).
type ErrMalformedPoint struct {
	Value string
}

func (err *ErrMalformedPoint) Error() string {
	return fmt.Sprintf("Invalid POINT format: %q", err.Value)
}

// ErrInvalidCoordinate indicates a latitude/longitude pair outside the valid range.
type ErrInvalidCoordinate struct {
	Lat float64
	Lon float64
}

func (err *ErrInvalidCoordinate) Error() string {
	return fmt.Sprintf("coordinate (%v, %v) is out of range", err.Lat, err.Lon)
}

// ErrMalformedTimestamp indicates a trip datetime that could not be parsed as ISO-8601.
type ErrMalformedTimestamp struct {
	Value string
}

func (err *ErrMalformedTimestamp) Error() string {
	return fmt.Sprintf("timestamp %q is not ISO-8601", err.Value)
}

// ErrJobNotFound is returned on status queries for unknown job ids.
// It is a client error, not a server fault.
type ErrJobNotFound struct {
	JobId string
}

func (err *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %q does not exist", err.JobId)
}

// ErrIngestionFailure wraps any error raised while staging or merging a bulk load.
// The whole execution attempt has been rolled back when this is returned.
type ErrIngestionFailure struct {
	JobId string
	Inner error
}

func (err *ErrIngestionFailure) Error() string {
	return fmt.Sprintf("ingestion of job %q failed: %s", err.JobId, err.Inner)
}

func (err *ErrIngestionFailure) Unwrap() error {
	return err.Inner
}

// ErrStorageUnavailable indicates the backing store or broker could not be reached.
type ErrStorageUnavailable struct {
	Message string
	Inner   error
}

func (err *ErrStorageUnavailable) Error() string {
	if err.Inner != nil {
		return fmt.Sprintf("storage unavailable: %s: %s", err.Message, err.Inner)
	}
	return fmt.Sprintf("storage unavailable: %s", err.Message)
}

func (err *ErrStorageUnavailable) Unwrap() error {
	return err.Inner
}

// ErrMaxRetriesExceeded is returned when a retryable operation has
// exhausted its attempt budget.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("%s: %s", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// IsNetworkError returns true if err is a transient network problem
// (as opposed to a malformed request or a constraint violation).
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// IsRetryablePostgresError returns true for Postgres errors where retrying the
// statement may succeed, e.g. serialization failures and dropped connections.
func IsRetryablePostgresError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.CannotConnectNow,
		pgerrcode.TooManyConnections:
		return true
	}
	return pgerrcode.IsConnectionException(pgErr.Code)
}
