package triperrors

import (
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrMalformedPointMessage(t *testing.T) {
	err := &ErrMalformedPoint{Value: "POINT(1 2)"}
	assert.Contains(t, err.Error(), "Invalid POINT")
}

func TestErrJobNotFoundAs(t *testing.T) {
	var err error = &ErrJobNotFound{JobId: "abc"}
	wrapped := errors.WithMessage(err, "status read")

	var notFound *ErrJobNotFound
	assert.True(t, errors.As(wrapped, &notFound))
	assert.Equal(t, "abc", notFound.JobId)
}

func TestErrIngestionFailureUnwraps(t *testing.T) {
	inner := &ErrMalformedPoint{Value: "garbage"}
	err := &ErrIngestionFailure{JobId: "job-1", Inner: inner}

	var point *ErrMalformedPoint
	assert.True(t, errors.As(err, &point))
	assert.Contains(t, err.Error(), "job-1")
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(fmt.Errorf("some app error")))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: fmt.Errorf("refused")}))
	assert.True(t, IsNetworkError(errors.WithStack(&net.OpError{Op: "read", Err: fmt.Errorf("reset")})))
}

func TestIsRetryablePostgresError(t *testing.T) {
	assert.False(t, IsRetryablePostgresError(fmt.Errorf("not a pg error")))
	assert.False(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.True(t, IsRetryablePostgresError(errors.WithStack(&pgconn.PgError{Code: pgerrcode.ConnectionFailure})))
}
