package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/admission"
	"github.com/benmeehan/iot-gateway/internal/forwarder"
	"github.com/benmeehan/iot-gateway/internal/gateway"
	"github.com/benmeehan/iot-gateway/internal/identity"
	"github.com/benmeehan/iot-gateway/internal/metrics"
	"github.com/benmeehan/iot-gateway/internal/normalizer"
	"github.com/benmeehan/iot-gateway/internal/pipeline"
	"github.com/benmeehan/iot-gateway/internal/utils"
	"github.com/benmeehan/iot-gateway/pkg/file"
	"github.com/benmeehan/iot-gateway/pkg/registry"
	"github.com/benmeehan/iot-gateway/pkg/sink"
)

func main() {
	// Set up structured logging with JSON output
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	clk := clock.New()
	registryMetrics := prometheus.NewRegistry()
	gatewayMetrics := metrics.New(registryMetrics)

	// Admission control: per-device buckets plus the tenant aggregate
	admissionController := admission.NewController(admission.Config{
		Device: admission.Limits{
			Capacity: config.Admission.Device.Capacity,
			Rate:     config.Admission.Device.Rate,
		},
		Tenant: admission.Limits{
			Capacity: config.Admission.Tenant.Capacity,
			Rate:     config.Admission.Tenant.Rate,
		},
		IdleEviction:  config.Admission.IdleEviction,
		SweepInterval: config.Admission.SweepInterval,
	}, clk, log)
	if err := admissionController.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start admission controller")
	}

	// Device identity cache in front of the external registry
	registryClient := registry.NewHTTPClient(config.Identity.RegistryURL, config.Identity.LookupTimeout, log)
	identityCache := identity.NewCache(registryClient, config.Identity.CacheSize,
		config.Identity.CacheTTL, config.Identity.LookupTimeout, clk, log)
	identityCache.SetStats(identity.Stats{
		Lookups:   gatewayMetrics.IncRegistryLookup,
		Coalesced: gatewayMetrics.IncRegistryCoalesced,
	})

	// Downstream sink: canonical envelopes are republished to the internal bus
	downstreamClientID := config.Forwarder.ClientID + "-" + uuid.New().String()
	log.Info().Str("client_id", downstreamClientID).Msg("Using downstream client ID")
	downstream := sink.NewMQTTSink(fileClient, config.Forwarder.TopicPrefix, byte(config.Forwarder.QOS), log)
	if err := downstream.Initialize(config.Forwarder.Broker, downstreamClientID, config.Forwarder.CACertificate); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize downstream sink")
	}

	envelopeForwarder := forwarder.NewForwarder(downstream, forwarder.Config{
		MaxRetries:       config.Forwarder.MaxRetries,
		BaseDelay:        config.Forwarder.BaseDelay,
		MaxDelay:         config.Forwarder.MaxDelay,
		AttemptTimeout:   config.Forwarder.AttemptTimeout,
		BreakerThreshold: config.Forwarder.Breaker.Threshold,
		BreakerCooldown:  config.Forwarder.Breaker.Cooldown,
	}, clk, log)
	envelopeForwarder.SetRetryHook(gatewayMetrics.IncForwardRetry)

	ingestPipeline := pipeline.NewPipeline(
		admissionController,
		identityCache,
		normalizer.New(config.Normalizer.MaxPayloadSize),
		envelopeForwarder,
		gatewayMetrics,
		pipeline.Config{
			MaxRetries:     config.Pipeline.MaxRetries,
			BaseDelay:      config.Pipeline.BaseDelay,
			MaxDelay:       config.Pipeline.MaxDelay,
			RetryQueueSize: config.Pipeline.RetryQueueSize,
		},
		clk,
		log,
	)

	health := gateway.NewHealthServer(config.Gateway.HealthAddr, gatewayMetrics, registryMetrics, log)
	supervisor := gateway.NewSupervisor(gateway.Config{
		ListenAddr:       config.Gateway.ListenAddr,
		HealthAddr:       config.Gateway.HealthAddr,
		MaxConnections:   config.Gateway.MaxConnections,
		HandshakeTimeout: config.Gateway.HandshakeTimeout,
		IdleTimeout:      config.Gateway.IdleTimeout,
		ReapInterval:     config.Gateway.ReapInterval,
		ShutdownGrace:    config.Gateway.ShutdownGrace,
		TLSCertFile:      config.Gateway.TLSCertificate,
		TLSKeyFile:       config.Gateway.TLSKey,
	}, ingestPipeline, gatewayMetrics, health, log)

	if err := supervisor.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gateway supervisor")
	}
	log.Info().Msg("Gateway started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := supervisor.Stop(); err != nil {
		log.Error().Err(err).Msg("Supervisor shutdown failed")
	}
	if err := admissionController.Stop(); err != nil {
		log.Error().Err(err).Msg("Admission controller shutdown failed")
	}
	if err := downstream.Close(); err != nil {
		log.Error().Err(err).Msg("Downstream sink close failed")
	}
}
