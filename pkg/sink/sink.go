// Package sink delivers canonical telemetry envelopes to the downstream
// collaborator.
package sink

import (
	"context"

	"github.com/benmeehan/iot-gateway/internal/models"
)

// Sink is the downstream delivery interface. Implementations are assumed
// idempotent-tolerant: duplicate deliveries caused by retries are acceptable.
type Sink interface {
	// Deliver hands one envelope downstream, returning nil once the
	// downstream acknowledged it.
	Deliver(ctx context.Context, envelope models.TelemetryEnvelope) error

	// Close releases the underlying transport.
	Close() error
}
