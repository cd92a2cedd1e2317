package generic

import (
	"context"
	"time"
)

// DefaultMaxRetries bounds how often a conflicting transaction is re-run.
const DefaultMaxRetries = 3

// DefaultRetryBackoff is the base delay between attempts; attempt n waits n times this.
const DefaultRetryBackoff = 5 * time.Millisecond

// retryConflicts runs fn until it succeeds, fails with a non-retryable
// error, or has been retried maxRetries times. onRetry is called before
// each retry.
func retryConflicts(ctx context.Context, maxRetries int, backoff time.Duration, onRetry func(attempt int, err error), fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt >= maxRetries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt+1)):
		}
	}
}
