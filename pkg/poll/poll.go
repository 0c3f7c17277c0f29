// Package poll waits for long-running provider operations to settle.
//
// Until calls a check function at a fixed interval until it reports done,
// fails permanently, or the maximum wait elapses. Transient check errors are
// retried like a pending result.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTimeout is returned when MaxWait elapses before the check reports done
var ErrTimeout = errors.New("poll timed out")

var errPending = errors.New("still pending")

// Options configures a poll loop
type Options struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// CheckFunc reports whether the awaited operation has finished
type CheckFunc func(ctx context.Context) (done bool, err error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a check error as final so Until returns it without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Until polls check until it is done. It returns nil on done, the unwrapped
// permanent error, ErrTimeout, or the parent context's error on cancellation.
func Until(ctx context.Context, opts Options, check CheckFunc) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", opts.Interval)
	}
	if opts.MaxWait <= 0 {
		return fmt.Errorf("poll max wait must be positive, got %s", opts.MaxWait)
	}

	pollCtx, cancel := context.WithTimeout(ctx, opts.MaxWait)
	defer cancel()

	var lastErr error
	backoff := retry.WithMaxDuration(opts.MaxWait, retry.NewConstant(opts.Interval))
	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		done, err := check(ctx)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm
			}
			lastErr = err
			return retry.RetryableError(err)
		}
		if !done {
			return retry.RetryableError(errPending)
		}
		return nil
	})

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	if lastErr != nil {
		return fmt.Errorf("%w: last error: %v", ErrTimeout, lastErr)
	}
	return ErrTimeout
}
