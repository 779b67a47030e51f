package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
)

// Default settings applied when the config leaves a field zero.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// Breaker guards calls to one upstream provider. After MaxFailures
// consecutive failures it rejects calls until Timeout elapses, then lets
// a single probe through.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// New builds a breaker for the named provider.
func New(name string, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller cancellation and rejected input say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrInvalidInput)
		},
	})
	return &Breaker{name: name, cb: cb}
}

// Name returns the provider name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state for monitoring.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Call runs fn through the breaker.
func (b *Breaker) Call(fn func() error) error {
	_, err := Do(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through b and returns its result. A nil breaker runs fn directly.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	var out T
	_, err := b.cb.Execute(func() (struct{}, error) {
		var err error
		out, err = fn()
		return struct{}{}, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("provider %q: %w: %v", b.name, ErrOpen, err)
	}
	return out, err
}
