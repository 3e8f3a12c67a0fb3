// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the circuit rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// BreakerConfig holds the settings of one named circuit.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32        // requests allowed while half-open (default: 3)
	Interval    time.Duration // closed-state counter reset (default: 60s)
	Timeout     time.Duration // open-state duration before half-open (default: 30s)

	// Trips reports whether a failure counts against the circuit.
	// Client-side errors (bad request, not found, bad credential) should not.
	Trips func(err error) bool
}

// DefaultBreakerConfig returns the settings shared by outbound API adapters.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// Breaker is a gobreaker circuit that ignores non-tripping errors.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(cfg BreakerConfig, log zerolog.Logger) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	trips := cfg.Trips
	if trips == nil {
		trips = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 6 consecutive failures, or >= 60% failures over at least 10 requests
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !trips(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the circuit. The error of fn is returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Open reports whether calls currently fail fast.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Rejected reports whether err came from the circuit rather than the call.
func Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
