// Package forwarder wraps the downstream sink with bounded retries and a
// circuit breaker.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/constants"
	"github.com/benmeehan/iot-gateway/internal/models"
	"github.com/benmeehan/iot-gateway/pkg/sink"
)

// ErrCircuitOpen reports that the breaker is shedding load and the sink was
// not called.
var ErrCircuitOpen = errors.New("forwarder: circuit open")

// Config holds the forwarder tunables.
type Config struct {
	// MaxRetries is the attempt limit per envelope.
	MaxRetries int

	// BaseDelay is the initial retry backoff.
	BaseDelay time.Duration

	// MaxDelay caps the retry backoff.
	MaxDelay time.Duration

	// AttemptTimeout bounds one sink call.
	AttemptTimeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the circuit.
	BreakerThreshold int

	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration
}

// Forwarder delivers envelopes downstream. A successful Forward is the only
// point at which a message counts as durably handed off; the gateway keeps
// no durable queue of its own.
type Forwarder struct {
	sink    sink.Sink
	cfg     Config
	breaker *CircuitBreaker
	clk     clock.Clock
	logger  zerolog.Logger
	onRetry func()
}

// NewForwarder creates a Forwarder over the given sink.
func NewForwarder(s sink.Sink, cfg Config, clk clock.Clock, logger zerolog.Logger) *Forwarder {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = constants.ForwardMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.ForwardBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = constants.ForwardMaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = constants.ForwardAttemptTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = constants.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = constants.BreakerCooldown
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Forwarder{
		sink:    s,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clk),
		clk:     clk,
		logger:  logger,
	}
}

// SetRetryHook installs an optional callback fired on every attempt beyond
// the first.
func (f *Forwarder) SetRetryHook(hook func()) {
	f.onRetry = hook
}

// Forward delivers one envelope, retrying with exponential backoff and
// jitter up to the attempt limit. When the circuit is open it fails fast
// with ErrCircuitOpen without touching the sink.
func (f *Forwarder) Forward(ctx context.Context, envelope models.TelemetryEnvelope) error {
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 && f.onRetry != nil {
			f.onRetry()
		}
		if !f.breaker.Allow() {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ErrCircuitOpen, lastErr)
			}
			return ErrCircuitOpen
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		err := f.sink.Deliver(attemptCtx, envelope)
		cancel()

		if err == nil {
			f.breaker.OnSuccess()
			return nil
		}

		f.breaker.OnFailure()
		lastErr = err
		f.logger.Warn().Err(err).
			Str("device_id", envelope.DeviceID).
			Uint64("sequence", envelope.Sequence).
			Int("attempt", attempt+1).
			Msg("Downstream delivery failed")

		if attempt == f.cfg.MaxRetries {
			break
		}

		delay := f.cfg.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > f.cfg.MaxDelay {
			delay = f.cfg.MaxDelay
		}
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))

		select {
		case <-f.clk.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("delivery failed after %d attempts: %w", f.cfg.MaxRetries+1, lastErr)
}

// CircuitOpen reports whether the breaker is currently failing fast.
func (f *Forwarder) CircuitOpen() bool {
	return f.breaker.Open()
}
