package billing

import (
	"context"
	"errors"
	"time"
)

const (
	defaultRetryAttempts = 3
	retryBaseDelay       = 250 * time.Millisecond
)

// Retry runs fn up to defaultRetryAttempts times with exponential
// backoff. Only transient failures are retried; declines and validation
// errors return immediately. Callers must only retry requests that carry
// an idempotency key, otherwise a timeout with an unknown outcome could
// double-charge.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < defaultRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, ErrGatewayTimeout) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.IsTemporary()
	}
	return false
}
