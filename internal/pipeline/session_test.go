package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-gateway/internal/admission"
	"github.com/benmeehan/iot-gateway/internal/forwarder"
	"github.com/benmeehan/iot-gateway/internal/identity"
	"github.com/benmeehan/iot-gateway/internal/metrics"
	"github.com/benmeehan/iot-gateway/internal/models"
	"github.com/benmeehan/iot-gateway/internal/normalizer"
	"github.com/benmeehan/iot-gateway/pkg/registry"
)

// fakeRegistry is a scriptable registry client.
type fakeRegistry struct {
	mu      sync.Mutex
	err     error
	delay   time.Duration
	devices map[string]registry.Device
}

func (f *fakeRegistry) set(device registry.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devices == nil {
		f.devices = make(map[string]registry.Device)
	}
	f.devices[device.DeviceID] = device
}

func (f *fakeRegistry) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRegistry) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeRegistry) Lookup(ctx context.Context, deviceID string) (registry.Device, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return registry.Device{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return registry.Device{}, f.err
	}
	device, ok := f.devices[deviceID]
	if !ok {
		return registry.Device{}, registry.ErrDeviceNotFound
	}
	return device, nil
}

// recordingSink captures delivered envelopes and can be failed.
type recordingSink struct {
	mu        sync.Mutex
	err       error
	delivered []models.TelemetryEnvelope
}

func (s *recordingSink) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSink) Deliver(ctx context.Context, envelope models.TelemetryEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, envelope)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) envelopes() []models.TelemetryEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TelemetryEnvelope, len(s.delivered))
	copy(out, s.delivered)
	return out
}

type fixture struct {
	pipeline *Pipeline
	registry *fakeRegistry
	sink     *recordingSink
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, deviceLimits admission.Limits) *fixture {
	t.Helper()

	fake := &fakeRegistry{}
	sink := &recordingSink{}
	gatewayMetrics := metrics.New(prometheus.NewRegistry())

	controller := admission.NewController(admission.Config{Device: deviceLimits}, clock.New(), zerolog.Nop())
	cache := identity.NewCache(fake, 64, time.Minute, time.Second, clock.New(), zerolog.Nop())
	envelopeForwarder := forwarder.NewForwarder(sink, forwarder.Config{
		MaxRetries:       1,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		AttemptTimeout:   time.Second,
		BreakerThreshold: 1000,
		BreakerCooldown:  time.Second,
	}, clock.New(), zerolog.Nop())

	p := NewPipeline(controller, cache, normalizer.New(0), envelopeForwarder, gatewayMetrics, Config{
		MaxRetries:     10,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RetryQueueSize: 4,
	}, clock.New(), zerolog.Nop())

	return &fixture{pipeline: p, registry: fake, sink: sink, metrics: gatewayMetrics}
}

func message(topic, payload string) Message {
	return Message{MessageID: 1, QoS: 1, Topic: topic, Payload: []byte(payload), ReceivedAt: time.Now()}
}

// TestHandle_AckAndSequencing verifies the happy path: acknowledged messages
// carry strictly increasing, gapless sequence numbers at the sink.
func TestHandle_AckAndSequencing(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})
	session := f.pipeline.NewSession("c1")

	for i := 0; i < 3; i++ {
		results := session.Handle(context.Background(), message("telemetry/t1/d1/temp", `{"v": 1}`))
		require.Len(t, results, 1)
		assert.Equal(t, OutcomeAck, results[0].Outcome)
	}

	envelopes := f.sink.envelopes()
	require.Len(t, envelopes, 3)
	for i, envelope := range envelopes {
		assert.Equal(t, uint64(i+1), envelope.Sequence)
	}
	assert.Equal(t, uint64(3), session.Sequence("d1"))
}

// TestHandle_Throttled verifies admission denial surfaces RetryAfter and
// nothing reaches the sink.
func TestHandle_Throttled(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 1, Rate: 0.001})
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})
	session := f.pipeline.NewSession("c1")

	results := session.Handle(context.Background(), message("telemetry/t1/d1/temp", `{"v": 1}`))
	require.Len(t, results, 1)
	require.Equal(t, OutcomeAck, results[0].Outcome)

	results = session.Handle(context.Background(), message("telemetry/t1/d1/temp", `{"v": 2}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeThrottled, results[0].Outcome)
	assert.Greater(t, results[0].RetryAfter, time.Duration(0))

	assert.Len(t, f.sink.envelopes(), 1)
	assert.Equal(t, int64(1), f.metrics.Snapshot().Throttled)
}

// TestHandle_UnknownDeviceDisconnects verifies an invalid identity is a
// terminal disconnect.
func TestHandle_UnknownDeviceDisconnects(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	session := f.pipeline.NewSession("c1")

	results := session.Handle(context.Background(), message("telemetry/t1/ghost/temp", `{"v": 1}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDisconnect, results[0].Outcome)
	assert.Equal(t, "unknown_device", results[0].Reason)
	assert.Empty(t, f.sink.envelopes())
}

// TestHandle_TenantMismatchDisconnects verifies a device claiming a foreign
// tenant topic is disconnected.
func TestHandle_TenantMismatchDisconnects(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})
	session := f.pipeline.NewSession("c1")

	results := session.Handle(context.Background(), message("telemetry/t2/d1/temp", `{"v": 1}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDisconnect, results[0].Outcome)
	assert.Equal(t, "tenant_mismatch", results[0].Reason)
}

// TestHandle_MalformedTopicRejected verifies protocol errors are permanent.
func TestHandle_MalformedTopicRejected(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	session := f.pipeline.NewSession("c1")

	results := session.Handle(context.Background(), message("bogus", `{"v": 1}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDropped, results[0].Outcome)
	assert.Equal(t, string(normalizer.ReasonMalformedTopic), results[0].Reason)
}

// TestHandle_TransientIdentityRetryPreservesOrder is the registry outage
// scenario: messages held during the outage are resolved and forwarded in
// original order once the registry recovers.
func TestHandle_TransientIdentityRetryPreservesOrder(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.setError(registry.ErrRegistryUnreachable)
	session := f.pipeline.NewSession("c1")
	ctx := context.Background()

	results := session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 1}`))
	assert.Empty(t, results, "held message has no terminal result yet")
	require.True(t, session.HasPending())

	session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 2}`))
	session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 3}`))

	// Registry recovers.
	f.registry.setError(nil)
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})

	var collected []Result
	require.Eventually(t, func() bool {
		collected = append(collected, session.Flush(ctx)...)
		return !session.HasPending()
	}, 2*time.Second, 5*time.Millisecond)

	acks := 0
	for _, result := range collected {
		if result.Outcome == OutcomeAck {
			acks++
		}
	}
	assert.Equal(t, 3, acks)

	envelopes := f.sink.envelopes()
	require.Len(t, envelopes, 3)
	for i, envelope := range envelopes {
		assert.Equal(t, uint64(i+1), envelope.Sequence)
		assert.InDelta(t, float64(i+1), envelope.Fields[0].Value.Number, 0.0001)
	}
}

// TestHandle_RetryExhaustionCountsLoss verifies a message dropped after the
// identity retry limit is accounted, never silently discarded.
func TestHandle_RetryExhaustionCountsLoss(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.setError(registry.ErrRegistryUnreachable)
	session := f.pipeline.NewSession("c1")
	ctx := context.Background()

	results := session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 1}`))
	assert.Empty(t, results)

	var collected []Result
	require.Eventually(t, func() bool {
		collected = append(collected, session.Flush(ctx)...)
		return !session.HasPending()
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, collected, 1)
	assert.Equal(t, OutcomeDropped, collected[0].Outcome)
	assert.Equal(t, "identity_unavailable", collected[0].Reason)
	assert.Equal(t, int64(1), f.metrics.Snapshot().Lost)
}

// TestHandle_CancelledContextCountsLoss verifies a message dropped because
// its connection went away is accounted like every other drop.
func TestHandle_CancelledContextCountsLoss(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})
	f.registry.setDelay(200 * time.Millisecond)
	session := f.pipeline.NewSession("c1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 1}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDropped, results[0].Outcome)
	assert.Equal(t, "cancelled", results[0].Reason)
	assert.Equal(t, int64(1), f.metrics.Snapshot().Lost)
	assert.Empty(t, f.sink.envelopes())
}

// TestHandle_RetryQueueBound verifies the per-connection held-message bound.
func TestHandle_RetryQueueBound(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.setError(registry.ErrRegistryUnreachable)
	session := f.pipeline.NewSession("c1")
	ctx := context.Background()

	// Queue size is 4: the head plus three more fit.
	session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 1}`))
	for i := 0; i < 3; i++ {
		session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 2}`))
	}

	results := session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 5}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDropped, results[0].Outcome)
	assert.Equal(t, "retry_queue_full", results[0].Reason)
}

// TestHandle_ForwardFailureDropsWithoutSequenceGap verifies a lost message
// is excluded from the sequence rather than leaving a gap.
func TestHandle_ForwardFailureDropsWithoutSequenceGap(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})
	session := f.pipeline.NewSession("c1")
	ctx := context.Background()

	results := session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 1}`))
	require.Equal(t, OutcomeAck, results[0].Outcome)

	f.sink.setError(context.DeadlineExceeded)
	results = session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 2}`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDropped, results[0].Outcome)
	assert.Equal(t, "forward_failed", results[0].Reason)

	f.sink.setError(nil)
	results = session.Handle(ctx, message("telemetry/t1/d1/temp", `{"v": 3}`))
	require.Equal(t, OutcomeAck, results[0].Outcome)

	envelopes := f.sink.envelopes()
	require.Len(t, envelopes, 2)
	assert.Equal(t, uint64(1), envelopes[0].Sequence)
	assert.Equal(t, uint64(2), envelopes[1].Sequence)
	assert.Equal(t, int64(1), f.metrics.Snapshot().Lost)
}

// TestHandle_BatchExpandsAndSequences verifies batched payloads produce one
// envelope per element, sequenced in order.
func TestHandle_BatchExpandsAndSequences(t *testing.T) {
	f := newFixture(t, admission.Limits{Capacity: 100, Rate: 100})
	f.registry.set(registry.Device{DeviceID: "d1", TenantID: "t1", Valid: true})
	session := f.pipeline.NewSession("c1")

	results := session.Handle(context.Background(), message("telemetry/t1/d1/temp", `[{"v": 1}, {"v": 2}]`))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAck, results[0].Outcome)

	envelopes := f.sink.envelopes()
	require.Len(t, envelopes, 2)
	assert.Equal(t, uint64(1), envelopes[0].Sequence)
	assert.Equal(t, uint64(2), envelopes[1].Sequence)
	assert.Equal(t, uint64(2), session.Sequence("d1"))
}
