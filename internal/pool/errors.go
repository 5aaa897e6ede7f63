package pool

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no connection frees up within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrQueryTimeout is returned when a statement exceeds its timeout.
	// The connection that carried it is discarded, not reused.
	ErrQueryTimeout = errors.New("query timed out")
	// ErrPoolClosed is returned for operations on a shut-down pool.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrTxAborted wraps the cause of a rolled-back transaction.
	ErrTxAborted = errors.New("transaction aborted")
	// ErrInvalidConfig marks configuration problems, fatal at startup.
	ErrInvalidConfig = errors.New("invalid pool configuration")
)

// ConnectionError wraps failures to establish or keep a connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsTransient reports whether a caller-side retry can plausibly succeed.
func IsTransient(err error) bool {
	if errors.Is(err, ErrQueryTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
