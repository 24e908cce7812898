package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/metrics"
)

// healthStatus is the /healthz response body.
type healthStatus struct {
	Status        string           `json:"status"`
	ListenerAddr  string           `json:"listener_addr"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Counters      metrics.Snapshot `json:"counters"`
	Connections   []Info           `json:"connections"`
}

// HealthServer serves gateway liveness and counters over HTTP.
type HealthServer struct {
	addr       string
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	supervisor *Supervisor
	server     *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewHealthServer creates the health/metrics endpoint.
func NewHealthServer(addr string, gatewayMetrics *metrics.Metrics, gatherer prometheus.Gatherer, logger zerolog.Logger) *HealthServer {
	return &HealthServer{
		addr:     addr,
		metrics:  gatewayMetrics,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Bind attaches the supervisor whose state the endpoint reports.
func (h *HealthServer) Bind(supervisor *Supervisor) {
	h.supervisor = supervisor
}

// Start binds the HTTP listener and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.listener = listener
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error().Err(err).Msg("Health server failed")
		}
	}()

	h.logger.Info().Str("addr", listener.Addr().String()).Msg("Health server started")
	return nil
}

// Addr returns the bound address.
func (h *HealthServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop shuts the HTTP server down.
func (h *HealthServer) Stop() error {
	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

// handleHealthz reports listener liveness, active connections and the
// counters since start.
func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:   "ok",
		Counters: h.metrics.Snapshot(),
	}
	if h.supervisor != nil {
		status.ListenerAddr = h.supervisor.Addr()
		status.UptimeSeconds = h.supervisor.Uptime().Seconds()
		status.Connections = h.supervisor.Connections()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode health status")
	}
}
