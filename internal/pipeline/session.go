package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/admission"
	"github.com/benmeehan/iot-gateway/internal/normalizer"
	"github.com/benmeehan/iot-gateway/pkg/registry"
)

// Message is one raw protocol message entering the pipeline. MessageID and
// QoS are carried through untouched for the acknowledgement.
type Message struct {
	MessageID  uint16
	QoS        byte
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Outcome is the terminal state of one message.
type Outcome int

const (
	// OutcomeAck means every envelope of the message was forwarded and the
	// message should be acknowledged to the device.
	OutcomeAck Outcome = iota

	// OutcomeThrottled means admission denied the message; the device should
	// back off for RetryAfter.
	OutcomeThrottled

	// OutcomeDisconnect means the device failed identity validation and the
	// connection must be closed.
	OutcomeDisconnect

	// OutcomeDropped means the message was rejected or lost; the connection
	// stays up.
	OutcomeDropped
)

// Result reports the terminal state of one message.
type Result struct {
	Message    Message
	Outcome    Outcome
	RetryAfter time.Duration
	Reason     string
}

// pending is a message held behind a transient identity failure.
type pending struct {
	msg         Message
	topic       normalizer.Topic
	attempts    int
	nextAttempt time.Time
}

// Session is the per-connection pipeline state: delivery sequence counters
// and the bounded retry queue. Messages from one connection are processed
// and forwarded strictly in receipt order.
type Session struct {
	pipeline     *Pipeline
	connectionID string

	// sequences maps device id to the last acknowledged sequence number.
	// Owned by the connection's goroutine; no synchronization needed.
	sequences map[string]uint64

	queue  []pending
	logger zerolog.Logger
}

// Handle runs one inbound message through the state machine. When earlier
// messages are still held on a transient identity failure, the new message
// queues behind them to preserve receipt order. Returns a Result for every
// message that reached a terminal state.
func (s *Session) Handle(ctx context.Context, msg Message) []Result {
	topic, err := normalizer.ParseTopic(msg.Topic)
	if err != nil {
		reason := reasonOf(err)
		s.pipeline.metrics.IncRejected(reason)
		s.logger.Debug().Str("topic", msg.Topic).Str("reason", reason).Msg("Rejected malformed message")
		return []Result{{Message: msg, Outcome: OutcomeDropped, Reason: reason}}
	}

	cost := s.pipeline.normalizer.Cost(msg.Payload)
	decision := s.pipeline.admission.Admit(admission.Key{TenantID: topic.TenantID, DeviceID: topic.DeviceID}, float64(cost))
	if !decision.Allowed {
		s.pipeline.metrics.IncThrottled()
		return []Result{{Message: msg, Outcome: OutcomeThrottled, RetryAfter: decision.RetryAfter, Reason: "throttled"}}
	}
	s.pipeline.metrics.IncAdmitted()

	if len(s.queue) > 0 {
		if len(s.queue) >= s.pipeline.cfg.RetryQueueSize {
			s.pipeline.metrics.IncLost("retry_queue_full")
			s.logger.Warn().Str("device_id", topic.DeviceID).Msg("Retry queue full, dropping message")
			return []Result{{Message: msg, Outcome: OutcomeDropped, Reason: "retry_queue_full"}}
		}
		s.queue = append(s.queue, pending{msg: msg, topic: topic})
		return s.Flush(ctx)
	}

	result, transient := s.process(ctx, msg, topic)
	if transient {
		s.queue = append(s.queue, pending{
			msg:         msg,
			topic:       topic,
			attempts:    1,
			nextAttempt: s.pipeline.clk.Now().Add(s.backoff(1)),
		})
		return nil
	}
	return []Result{result}
}

// Flush retries queued messages whose backoff has elapsed, in order. The
// head blocks the rest of the queue: receipt order is preserved even across
// transient failures.
func (s *Session) Flush(ctx context.Context) []Result {
	var results []Result

	for len(s.queue) > 0 {
		head := &s.queue[0]
		if s.pipeline.clk.Now().Before(head.nextAttempt) {
			break
		}

		result, transient := s.process(ctx, head.msg, head.topic)
		if transient {
			head.attempts++
			if head.attempts > s.pipeline.cfg.MaxRetries {
				s.pipeline.metrics.IncLost("identity_unavailable")
				s.logger.Warn().
					Str("device_id", head.topic.DeviceID).
					Int("attempts", head.attempts).
					Msg("Dropping message after exhausting identity retries")
				results = append(results, Result{Message: head.msg, Outcome: OutcomeDropped, Reason: "identity_unavailable"})
				s.queue = s.queue[1:]
				continue
			}
			head.nextAttempt = s.pipeline.clk.Now().Add(s.backoff(head.attempts))
			break
		}

		results = append(results, result)
		s.queue = s.queue[1:]
		if result.Outcome == OutcomeDisconnect {
			// The connection is going away; everything behind the head is
			// dropped with it.
			for _, held := range s.queue[0:] {
				s.pipeline.metrics.IncLost("connection_rejected")
				results = append(results, Result{Message: held.msg, Outcome: OutcomeDropped, Reason: "connection_rejected"})
			}
			s.queue = nil
			break
		}
	}

	return results
}

// HasPending reports whether messages are held on a transient failure.
func (s *Session) HasPending() bool {
	return len(s.queue) > 0
}

// NextRetry reports how long until the head of the retry queue is due.
func (s *Session) NextRetry() (time.Duration, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	wait := s.queue[0].nextAttempt.Sub(s.pipeline.clk.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Sequence reports the last acknowledged sequence number for a device.
func (s *Session) Sequence(deviceID string) uint64 {
	return s.sequences[deviceID]
}

// process runs the identity, normalization and forwarding stages for one
// admitted message. The second return value reports a transient identity
// failure that should be retried.
func (s *Session) process(ctx context.Context, msg Message, topic normalizer.Topic) (Result, bool) {
	record, err := s.pipeline.identity.Resolve(ctx, topic.DeviceID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.pipeline.metrics.IncLost("cancelled")
			return Result{Message: msg, Outcome: OutcomeDropped, Reason: "cancelled"}, false
		}
		if errors.Is(err, registry.ErrRegistryUnreachable) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, true
		}
		s.pipeline.metrics.IncRejected("identity_error")
		return Result{Message: msg, Outcome: OutcomeDropped, Reason: "identity_error"}, false
	}

	if !record.Valid {
		s.pipeline.metrics.IncRejected("unknown_device")
		s.logger.Info().Str("device_id", topic.DeviceID).Msg("Disconnecting unknown or revoked device")
		return Result{Message: msg, Outcome: OutcomeDisconnect, Reason: "unknown_device"}, false
	}
	if record.TenantID != "" && record.TenantID != topic.TenantID {
		s.pipeline.metrics.IncRejected("tenant_mismatch")
		s.logger.Info().
			Str("device_id", topic.DeviceID).
			Str("claimed_tenant", topic.TenantID).
			Str("registered_tenant", record.TenantID).
			Msg("Disconnecting device claiming a foreign tenant")
		return Result{Message: msg, Outcome: OutcomeDisconnect, Reason: "tenant_mismatch"}, false
	}

	envelopes, err := s.pipeline.normalizer.Normalize(msg.Topic, msg.Payload, msg.ReceivedAt)
	if err != nil {
		reason := reasonOf(err)
		s.pipeline.metrics.IncRejected(reason)
		s.logger.Debug().Str("device_id", topic.DeviceID).Str("reason", reason).Msg("Rejected unnormalizable message")
		return Result{Message: msg, Outcome: OutcomeDropped, Reason: reason}, false
	}

	// The sequence counter only advances for envelopes the downstream
	// acknowledged, so numbers observed at the sink are gapless.
	for i := range envelopes {
		envelopes[i].Sequence = s.sequences[topic.DeviceID] + 1
		if err := s.pipeline.forwarder.Forward(ctx, envelopes[i]); err != nil {
			s.pipeline.metrics.IncLost("forward_failed")
			s.logger.Warn().Err(err).
				Str("device_id", topic.DeviceID).
				Int("delivered", i).
				Int("total", len(envelopes)).
				Msg("Dropping message after downstream delivery failure")
			return Result{Message: msg, Outcome: OutcomeDropped, Reason: "forward_failed"}, false
		}
		s.sequences[topic.DeviceID]++
		s.pipeline.metrics.IncForwarded()
	}

	return Result{Message: msg, Outcome: OutcomeAck}, false
}

// backoff returns the exponential delay before the given retry attempt.
func (s *Session) backoff(attempt int) time.Duration {
	delay := s.pipeline.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > s.pipeline.cfg.MaxDelay {
		delay = s.pipeline.cfg.MaxDelay
	}
	return delay
}

// reasonOf extracts the normalization reason code, if any.
func reasonOf(err error) string {
	var normalizationErr *normalizer.NormalizationError
	if errors.As(err, &normalizationErr) {
		return string(normalizationErr.Reason)
	}
	return "protocol_error"
}
