package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
)

const (
	defaultBreakerInterval = 60 * time.Second
	defaultBreakerTimeout  = 30 * time.Second
)

// BreakerEngine guards an ImageEngine with a circuit breaker. While the
// circuit is open calls fail fast and are not retried.
type BreakerEngine struct {
	inner   ImageEngine
	breaker *gobreaker.CircuitBreaker[string]
}

// NewBreakerEngine wraps inner. Zero config fields fall back to 5
// consecutive failures, a 60s counting interval and a 30s open period.
func NewBreakerEngine(inner ImageEngine, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerEngine {
	if logger == nil {
		logger = slog.Default()
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        "image:" + inner.Name(),
		MaxRequests: maxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if settings.Interval == 0 {
		settings.Interval = defaultBreakerInterval
	}
	if settings.Timeout == 0 {
		settings.Timeout = defaultBreakerTimeout
	}

	return &BreakerEngine{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
	}
}

func (e *BreakerEngine) Name() string { return e.inner.Name() }

func (e *BreakerEngine) Generate(ctx context.Context, prompt string) (string, error) {
	url, err := e.breaker.Execute(func() (string, error) {
		return e.inner.Generate(ctx, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", retry.Permanent(fmt.Errorf("engine %q circuit open: %w", e.inner.Name(), err))
	}
	return url, err
}

// State returns the breaker state for monitoring.
func (e *BreakerEngine) State() gobreaker.State {
	return e.breaker.State()
}
