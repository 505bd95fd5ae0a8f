// Package resilience wraps calls to external providers with a circuit
// breaker and a single in-process retry on rate limiting.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callscore/internal/apperr"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// OpenTimeout is how long the breaker stays open before a half-open probe.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Threshold == 0 {
		s.Threshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 60 * time.Second
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// Breaker fails fast with a retryable CircuitOpen error while a provider is
// failing. Only retryable errors count as failures: a rejected input says
// nothing about the vendor's health.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, s BreakerSettings) *Breaker {
	s = s.withDefaults()
	log := s.Logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.Threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{name: name, cb: cb}
}

func (b *Breaker) Name() string { return b.name }

// State is closed, half-open or open.
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.CircuitOpen(b.name)
	}
	return err
}

// MaxRetryAfter bounds the in-process wait on a 429. Longer hints go back to
// the queue's backoff.
const MaxRetryAfter = 30 * time.Second

// hintBackOff waits for the vendor's retry_after, or fallback when absent.
type hintBackOff struct {
	hint     *time.Duration
	fallback time.Duration
}

func (b *hintBackOff) NextBackOff() time.Duration {
	if *b.hint > 0 {
		return *b.hint
	}
	return b.fallback
}

func (b *hintBackOff) Reset() {}

// RetryRateLimited runs op and, when it fails with RateLimited, waits for the
// vendor's retry_after and tries exactly once more.
func RetryRateLimited(ctx context.Context, op func() error) error {
	var hint time.Duration
	bo := &hintBackOff{hint: &hint, fallback: time.Second}
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		e, ok := apperr.As(err)
		if !ok || e.Kind != apperr.KindRateLimited || e.RetryAfter > MaxRetryAfter {
			return backoff.Permanent(err)
		}
		hint = e.RetryAfter
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
}

// Guard combines a breaker with the 429 retry. A nil Guard runs op directly.
type Guard struct {
	Breaker *Breaker
}

func NewGuard(name string, s BreakerSettings) *Guard {
	return &Guard{Breaker: NewBreaker(name, s)}
}

func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	call := func() error {
		return RetryRateLimited(ctx, func() error { return op(ctx) })
	}
	if g == nil || g.Breaker == nil {
		return call()
	}
	return g.Breaker.Execute(call)
}
