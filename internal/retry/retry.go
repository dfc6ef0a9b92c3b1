// Package retry runs operations under a bounded attempt budget with a fixed
// spacing between attempts. Errors are retried unless they are marked
// permanent or classify as non-retryable canonical errors.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

// Policy is an attempt budget. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Logger      *slog.Logger
}

// New returns a policy with the given budget.
func New(maxAttempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Interval: interval}
}

// WithLogger returns a copy of p that logs retries to logger.
func (p Policy) WithLogger(logger *slog.Logger) Policy {
	p.Logger = logger
	return p
}

// Permanent wraps err so that no further attempts are made.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if apiErr, ok := domain.AsAPIError(err); ok {
		return !apiErr.Retryable()
	}
	return false
}

// Do runs fn until it succeeds, returns a permanent error, the budget is
// spent or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && IsPermanent(err) {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return v, err
			}
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, next time.Duration) {
		logger.Warn("retrying operation",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.attempts()),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()))
	}

	v, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	if err != nil && attempt >= p.attempts() {
		logger.Error("operation failed after retries",
			slog.String("op", op),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
	}
	return v, err
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.attempts()-1))
	return backoff.WithContext(b, ctx)
}
