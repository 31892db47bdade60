package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/framefetch/types"
)

// DefaultBackoff is the delay before the first retry of a forward.
// Each further retry doubles it.
const DefaultBackoff = 500 * time.Millisecond

// TypeFilter selects the event types a forwarder sends.
// An empty filter admits every type.
type TypeFilter map[types.EventType]struct{}

// NewTypeFilter builds a filter admitting only ts.
func NewTypeFilter(ts []types.EventType) TypeFilter {
	if len(ts) == 0 {
		return nil
	}
	f := make(TypeFilter, len(ts))
	for _, t := range ts {
		f[t] = struct{}{}
	}
	return f
}

// Allows reports whether events of type t pass the filter.
func (f TypeFilter) Allows(t types.EventType) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[t]
	return ok
}

// permanentError marks a forward failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs attempt once plus up to retries more times, sleeping backoff
// before the first retry and doubling it each time. It stops early on
// success, on a Permanent error, or when ctx ends.
// backoff <= 0 uses DefaultBackoff.
func Retry(ctx context.Context, retries int, backoff time.Duration, attempt func(ctx context.Context) error) error {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	attempts := 1 + retries

	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(time.Duration(1<<uint(i-1)) * backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
