package metrics

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when a range starts after it ends
	ErrInvalidRange = errors.New("invalid date range")
	// ErrNotFound is returned for unknown artists, songs and albums
	ErrNotFound = errors.New("not found")
	// ErrInvalidFact is returned when a fact is rejected at ingestion
	ErrInvalidFact = errors.New("invalid fact")
	// ErrTimeout is returned when the store did not answer in time. Retryable.
	ErrTimeout = errors.New("store timeout")
	// ErrUpstreamUnavailable is returned when a dependent collaborator failed
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// IsRetryable reports whether the caller may retry the failed operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUpstreamUnavailable)
}

// ContextError maps a context failure onto the error taxonomy. A passed
// deadline becomes ErrTimeout; cancellation is returned as is.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// WrapStoreError maps driver-level deadline errors onto ErrTimeout
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func invalidFact(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidFact, fmt.Sprintf(format, args...))
}
