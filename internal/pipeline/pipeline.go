// Package pipeline orchestrates the per-message ingestion state machine:
// admission check, identity resolution, normalization, forwarding and
// acknowledgement.
package pipeline

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/admission"
	"github.com/benmeehan/iot-gateway/internal/constants"
	"github.com/benmeehan/iot-gateway/internal/forwarder"
	"github.com/benmeehan/iot-gateway/internal/identity"
	"github.com/benmeehan/iot-gateway/internal/metrics"
	"github.com/benmeehan/iot-gateway/internal/normalizer"
)

// Config holds the pipeline retry tunables for transient identity failures.
type Config struct {
	// MaxRetries is the identity re-resolution limit per message.
	MaxRetries int

	// BaseDelay is the initial retry backoff.
	BaseDelay time.Duration

	// MaxDelay caps the retry backoff.
	MaxDelay time.Duration

	// RetryQueueSize bounds the per-connection queue of messages held behind
	// a transient identity failure.
	RetryQueueSize int
}

// Pipeline wires the ingestion stages together. It is shared by every
// connection; per-connection state lives in Session.
type Pipeline struct {
	admission  *admission.Controller
	identity   *identity.Cache
	normalizer normalizer.Normalizer
	forwarder  *forwarder.Forwarder
	metrics    *metrics.Metrics
	cfg        Config
	clk        clock.Clock
	logger     zerolog.Logger
}

// NewPipeline creates a Pipeline over the given stages.
func NewPipeline(
	admissionController *admission.Controller,
	identityCache *identity.Cache,
	messageNormalizer normalizer.Normalizer,
	envelopeForwarder *forwarder.Forwarder,
	gatewayMetrics *metrics.Metrics,
	cfg Config,
	clk clock.Clock,
	logger zerolog.Logger,
) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = constants.PipelineMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.PipelineBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = constants.PipelineMaxDelay
	}
	if cfg.RetryQueueSize <= 0 {
		cfg.RetryQueueSize = constants.RetryQueueSize
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Pipeline{
		admission:  admissionController,
		identity:   identityCache,
		normalizer: messageNormalizer,
		forwarder:  envelopeForwarder,
		metrics:    gatewayMetrics,
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
	}
}

// NewSession creates the per-connection pipeline state. A session must only
// be used by the single goroutine that owns its connection.
func (p *Pipeline) NewSession(connectionID string) *Session {
	return &Session{
		pipeline:     p,
		connectionID: connectionID,
		sequences:    make(map[string]uint64),
		logger:       p.logger.With().Str("connection_id", connectionID).Logger(),
	}
}
