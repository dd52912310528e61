package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// A RetryError carries the last error seen after every attempt failed.
type RetryError struct {
	attempts int
	last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.attempts, e.last)
}

// Unwrap returns the last attempt's error.
func (e *RetryError) Unwrap() error {
	return e.last
}

// Attempts returns how many times the function ran.
func (e *RetryError) Attempts() int {
	return e.attempts
}

// RetryNTimesWithSleep runs toRun at most attempts times, sleeping between failed
// attempts, and returns the first success. With retryableErrors given, any other error
// is returned as is right away. A done ctx stops the loop during a sleep.
func RetryNTimesWithSleep[T any](
	ctx context.Context,
	toRun func() (T, error),
	attempts int,
	sleep time.Duration,
	retryableErrors ...error,
) (T, error) {
	var zero T
	var last error
	ran := 0
	for ran < attempts {
		if ran > 0 && sleep > 0 && !SelectContextOrWait(ctx, sleep) {
			break
		}
		val, err := toRun()
		ran++
		if err == nil {
			return val, nil
		}
		if !isRetryable(err, retryableErrors) {
			return zero, err
		}
		last = err
	}
	if last == nil && ctx.Err() != nil {
		last = ctx.Err()
	}
	return zero, &RetryError{attempts: ran, last: last}
}

func isRetryable(err error, retryableErrors []error) bool {
	if len(retryableErrors) == 0 {
		return true
	}
	for _, target := range retryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
