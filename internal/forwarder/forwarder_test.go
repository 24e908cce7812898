package forwarder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-gateway/internal/models"
)

var errSinkDown = errors.New("sink down")

// scriptedSink fails the first failures deliveries, then succeeds.
type scriptedSink struct {
	mu        sync.Mutex
	calls     atomic.Int64
	failures  int
	delivered []models.TelemetryEnvelope
}

func (s *scriptedSink) Deliver(ctx context.Context, envelope models.TelemetryEnvelope) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errSinkDown
	}
	s.delivered = append(s.delivered, envelope)
	return nil
}

func (s *scriptedSink) Close() error { return nil }

func fastConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		AttemptTimeout:   time.Second,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Second,
	}
}

// TestForward_Success delivers on the first attempt.
func TestForward_Success(t *testing.T) {
	s := &scriptedSink{}
	f := NewForwarder(s, fastConfig(), clock.New(), zerolog.Nop())

	err := f.Forward(context.Background(), models.TelemetryEnvelope{DeviceID: "d1", Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.calls.Load())
}

// TestForward_RetriesThenSucceeds verifies bounded retry with backoff.
func TestForward_RetriesThenSucceeds(t *testing.T) {
	s := &scriptedSink{failures: 2}
	f := NewForwarder(s, fastConfig(), clock.New(), zerolog.Nop())

	retries := 0
	f.SetRetryHook(func() { retries++ })

	err := f.Forward(context.Background(), models.TelemetryEnvelope{DeviceID: "d1", Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.calls.Load())
	assert.Equal(t, 2, retries)
}

// TestForward_ExhaustsRetries verifies the attempt limit is honored.
func TestForward_ExhaustsRetries(t *testing.T) {
	s := &scriptedSink{failures: 100}
	f := NewForwarder(s, fastConfig(), clock.New(), zerolog.Nop())

	err := f.Forward(context.Background(), models.TelemetryEnvelope{DeviceID: "d1", Sequence: 1})
	require.Error(t, err)
	require.ErrorIs(t, err, errSinkDown)
	assert.Equal(t, int64(4), s.calls.Load())
}

// TestForward_CircuitOpensAndFailsFast verifies that after the failure
// threshold the breaker opens and the sink is no longer called.
func TestForward_CircuitOpensAndFailsFast(t *testing.T) {
	s := &scriptedSink{failures: 1000}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	cfg.BreakerThreshold = 5
	cfg.BreakerCooldown = time.Hour
	f := NewForwarder(s, cfg, clock.New(), zerolog.Nop())

	// 5 consecutive failures across forwards open the circuit.
	for i := 0; i < 3; i++ {
		require.Error(t, f.Forward(context.Background(), models.TelemetryEnvelope{DeviceID: "d1"}))
	}
	require.True(t, f.CircuitOpen())
	callsWhenOpened := s.calls.Load()

	// Subsequent forwards fail immediately without touching the sink.
	err := f.Forward(context.Background(), models.TelemetryEnvelope{DeviceID: "d1"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, callsWhenOpened, s.calls.Load())
}

// TestCircuitBreaker_CooldownAndProbe exercises open, half-open probe and
// close transitions with a mock clock.
func TestCircuitBreaker_CooldownAndProbe(t *testing.T) {
	mockClock := clock.NewMock()
	cb := NewCircuitBreaker(3, 10*time.Second, mockClock)

	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow())
		cb.OnFailure()
	}
	assert.False(t, cb.Allow(), "breaker should be open")
	assert.True(t, cb.Open())

	// Still open within the cooldown.
	mockClock.Add(5 * time.Second)
	assert.False(t, cb.Allow())

	// Cooldown elapsed: exactly one probe is let through.
	mockClock.Add(6 * time.Second)
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "only one probe may run at a time")

	// Failed probe reopens for a full cooldown.
	cb.OnFailure()
	assert.False(t, cb.Allow())

	// Successful probe closes the breaker.
	mockClock.Add(11 * time.Second)
	require.True(t, cb.Allow())
	cb.OnSuccess()
	assert.True(t, cb.Allow())
	assert.False(t, cb.Open())
}

// TestForward_ContextCancellation aborts the backoff wait.
func TestForward_ContextCancellation(t *testing.T) {
	s := &scriptedSink{failures: 100}
	cfg := fastConfig()
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute
	f := NewForwarder(s, cfg, clock.New(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.Forward(ctx, models.TelemetryEnvelope{DeviceID: "d1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), s.calls.Load())
}
