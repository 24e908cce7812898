// Package gateway owns the connection lifecycle: accept loop, connection
// ceiling, idle reaping, health reporting and graceful shutdown.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/constants"
	"github.com/benmeehan/iot-gateway/internal/metrics"
	"github.com/benmeehan/iot-gateway/internal/pipeline"
	"github.com/benmeehan/iot-gateway/internal/utils"
	"github.com/benmeehan/iot-gateway/pkg/protocol"
)

// Config holds the supervisor tunables.
type Config struct {
	// ListenAddr is the device-facing listener address.
	ListenAddr string

	// HealthAddr is the health/metrics HTTP server address.
	HealthAddr string

	// MaxConnections is the global concurrent-connection ceiling.
	MaxConnections int

	// HandshakeTimeout bounds the protocol handshake.
	HandshakeTimeout time.Duration

	// IdleTimeout closes silent connections.
	IdleTimeout time.Duration

	// ReapInterval is how often the idle reaper sweeps.
	ReapInterval time.Duration

	// ShutdownGrace bounds the in-flight drain on shutdown.
	ShutdownGrace time.Duration

	// TLSCertFile and TLSKeyFile enable TLS on the listener when both set.
	TLSCertFile string
	TLSKeyFile  string

	// OutcomeWindowSize bounds per-connection diagnostics history.
	OutcomeWindowSize int
}

// Supervisor owns every ConnectionState in the gateway and drives the
// accept loop. One goroutine per connection runs the ingestion pipeline
// over a shared worker pool.
type Supervisor struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	health   *HealthServer
	pool     *utils.WorkerPool
	conns    cmap.ConcurrentMap[string, *Connection]
	listener net.Listener
	logger   zerolog.Logger

	active  atomic.Int64
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	connWg sync.WaitGroup
	mu     sync.Mutex
}

// NewSupervisor creates a Supervisor over the given pipeline.
func NewSupervisor(cfg Config, ingestPipeline *pipeline.Pipeline, gatewayMetrics *metrics.Metrics, health *HealthServer, logger zerolog.Logger) *Supervisor {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = constants.DefaultListenAddr
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.MaxConnections
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.HandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = constants.ReapInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = constants.ShutdownGrace
	}
	if cfg.OutcomeWindowSize <= 0 {
		cfg.OutcomeWindowSize = constants.OutcomeWindowSize
	}

	return &Supervisor{
		cfg:      cfg,
		pipeline: ingestPipeline,
		metrics:  gatewayMetrics,
		health:   health,
		conns:    cmap.New[*Connection](),
		logger:   logger,
	}
}

// Start binds the listener and launches the accept and reaper loops.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		s.logger.Warn().Msg("Gateway supervisor is already running")
		return errors.New("gateway supervisor is already running")
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = listener
	s.started = time.Now()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = utils.NewWorkerPool(s.cfg.MaxConnections, s.cfg.MaxConnections)

	if s.health != nil {
		s.health.Bind(s)
		if err := s.health.Start(); err != nil {
			listener.Close()
			s.ctx, s.cancel = nil, nil
			return err
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runAcceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.runReaper()
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway supervisor started")
	return nil
}

// listen binds the device-facing port, over TLS when configured.
func (s *Supervisor) listen() (net.Listener, error) {
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return net.Listen("tcp", s.cfg.ListenAddr)
}

// Addr returns the bound listener address.
func (s *Supervisor) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections reports the number of connections being served,
// including ones still in handshake.
func (s *Supervisor) ActiveConnections() int {
	return int(s.active.Load())
}

// Stop gracefully shuts the gateway down: stop accepting, drain in-flight
// messages up to the grace period, then force-close the remainder.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		s.logger.Warn().Msg("Gateway supervisor is not running")
		return errors.New("gateway supervisor is not running")
	}

	s.logger.Info().Msg("Gateway supervisor shutting down")
	s.listener.Close()

	drained := s.drain(s.cfg.ShutdownGrace)
	if !drained {
		forced := 0
		for tuple := range s.conns.IterBuffered() {
			tuple.Val.ForceClose()
			forced++
		}
		s.logger.Warn().Int("forced", forced).Msg("Force-closed connections after drain grace period")
	}

	s.cancel()
	s.connWg.Wait()
	s.wg.Wait()
	s.pool.Shutdown()

	if s.health != nil {
		if err := s.health.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Health server shutdown failed")
		}
	}

	snapshot := s.metrics.Snapshot()
	s.logger.Info().
		Int64("admitted", snapshot.Admitted).
		Int64("throttled", snapshot.Throttled).
		Int64("rejected", snapshot.Rejected).
		Int64("forwarded", snapshot.Forwarded).
		Int64("lost", snapshot.Lost).
		Msg("Gateway supervisor stopped")

	s.ctx = nil
	s.cancel = nil
	return nil
}

// drain waits up to grace for every connection to finish naturally.
func (s *Supervisor) drain(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if s.active.Load() == 0 {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return s.active.Load() == 0
}

// runAcceptLoop accepts device connections, refusing them at the ceiling
// before any per-connection state is allocated.
func (s *Supervisor) runAcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		if s.active.Add(1) > int64(s.cfg.MaxConnections) {
			s.active.Add(-1)
			s.metrics.ConnRefused()
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Connection refused at ceiling")
			conn.Close()
			continue
		}

		s.connWg.Add(1)
		submitted := s.pool.TrySubmit(func() {
			defer s.connWg.Done()
			defer s.active.Add(-1)
			s.handleConnection(conn)
		})
		if !submitted {
			s.connWg.Done()
			s.active.Add(-1)
			s.metrics.ConnRefused()
			conn.Close()
		}
	}
}

// handleConnection drives one device connection through handshake and the
// ingestion pipeline until disconnect.
func (s *Supervisor) handleConnection(conn net.Conn) {
	session := protocol.NewSession(conn, s.logger)

	clientID, err := session.Handshake(s.cfg.HandshakeTimeout)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Handshake failed")
		session.Close()
		return
	}

	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	id := uuid.New().String()
	connection := NewConnection(id, clientID, session, cancel, s.cfg.OutcomeWindowSize, time.Now())
	session.SetActivityHook(connection.Touch)
	s.conns.Set(id, connection)
	s.metrics.ConnOpened()
	logger := s.logger.With().Str("connection_id", id).Str("client_id", clientID).Logger()
	logger.Info().Str("remote", connection.RemoteAddr).Msg("Device connected")

	defer func() {
		s.conns.Remove(id)
		s.metrics.ConnClosed()
		session.Close()
		logger.Info().
			Int64("messages", connection.messageCount.Load()).
			Int64("bytes", connection.byteCount.Load()).
			Msg("Connection closed")
	}()

	pipelineSession := s.pipeline.NewSession(id)

	for {
		readTimeout := s.cfg.IdleTimeout
		if wait, ok := pipelineSession.NextRetry(); ok {
			if wait <= 0 {
				if !s.applyResults(connection, session, pipelineSession.Flush(connCtx), logger) {
					return
				}
				continue
			}
			if wait < readTimeout {
				readTimeout = wait
			}
		}

		msg, err := session.ReadMessage(readTimeout)
		if err != nil {
			if errors.Is(err, protocol.ErrIdleTimeout) {
				if pipelineSession.HasPending() {
					continue
				}
				if connection.IdleSince(time.Now(), s.cfg.IdleTimeout) {
					logger.Info().Msg("Closing idle connection")
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("Device disconnected")
			} else {
				logger.Warn().Err(err).Msg("Connection read failed")
			}
			return
		}

		connection.RecordMessage(len(msg.Payload))
		results := pipelineSession.Handle(connCtx, pipeline.Message{
			MessageID:  msg.MessageID,
			QoS:        msg.QoS,
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			ReceivedAt: msg.ReceivedAt,
		})
		if !s.applyResults(connection, session, results, logger) {
			return
		}
	}
}

// applyResults acknowledges, throttles or disconnects per pipeline outcome.
// Returns false when the connection must close.
func (s *Supervisor) applyResults(connection *Connection, session *protocol.Session, results []pipeline.Result, logger zerolog.Logger) bool {
	for _, result := range results {
		switch result.Outcome {
		case pipeline.OutcomeAck:
			connection.RecordOutcome("ack")
			if result.Message.QoS > 0 {
				if err := session.Ack(result.Message.MessageID); err != nil {
					logger.Warn().Err(err).Msg("Failed to acknowledge message")
					return false
				}
			}
		case pipeline.OutcomeThrottled:
			connection.RecordOutcome("throttled")
			if err := session.NotifyBackoff(result.Message.Topic, result.RetryAfter); err != nil {
				logger.Warn().Err(err).Msg("Failed to send backoff notice")
				return false
			}
		case pipeline.OutcomeDropped:
			connection.RecordOutcome(result.Reason)
		case pipeline.OutcomeDisconnect:
			connection.RecordOutcome(result.Reason)
			logger.Info().Str("reason", result.Reason).Msg("Disconnecting device")
			return false
		}
	}
	return true
}

// runReaper force-closes connections that stayed silent past the idle
// timeout despite the read deadline, e.g. ones wedged mid-write.
func (s *Supervisor) runReaper() {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for tuple := range s.conns.IterBuffered() {
				if tuple.Val.IdleSince(now, s.cfg.IdleTimeout+s.cfg.ReapInterval) {
					s.logger.Info().Str("connection_id", tuple.Key).Msg("Reaping idle connection")
					tuple.Val.ForceClose()
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Connections returns the diagnostics view of every active connection.
func (s *Supervisor) Connections() []Info {
	infos := make([]Info, 0, s.conns.Count())
	for tuple := range s.conns.IterBuffered() {
		infos = append(infos, tuple.Val.Info())
	}
	return infos
}

// Uptime reports time since Start.
func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.started)
}
