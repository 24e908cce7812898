package utils

import (
	"time"

	"github.com/benmeehan/iot-gateway/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Gateway struct {
		ListenAddr       string        `yaml:"listen_addr"`       // Device-facing listener address
		HealthAddr       string        `yaml:"health_addr"`       // Health/metrics HTTP address
		MaxConnections   int           `yaml:"max_connections"`   // Concurrent connection ceiling
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // Protocol handshake deadline
		IdleTimeout      time.Duration `yaml:"idle_timeout"`      // Silent connection close timeout
		ReapInterval     time.Duration `yaml:"reap_interval"`     // Idle reaper sweep interval
		ShutdownGrace    time.Duration `yaml:"shutdown_grace"`    // In-flight drain bound on shutdown
		TLSCertificate   string        `yaml:"tls_certificate"`   // Path to the listener TLS certificate
		TLSKey           string        `yaml:"tls_key"`           // Path to the listener TLS key
	} `yaml:"gateway"`

	Admission struct {
		Device struct {
			Capacity float64 `yaml:"capacity"` // Per-device bucket burst size
			Rate     float64 `yaml:"rate"`     // Per-device refill rate (tokens/sec)
		} `yaml:"device"`
		Tenant struct {
			Capacity float64 `yaml:"capacity"` // Tenant aggregate burst size
			Rate     float64 `yaml:"rate"`     // Tenant aggregate refill rate (tokens/sec)
		} `yaml:"tenant"`
		IdleEviction  time.Duration `yaml:"idle_eviction"`  // Idle bucket eviction window
		SweepInterval time.Duration `yaml:"sweep_interval"` // Idle bucket sweep interval
	} `yaml:"admission"`

	Identity struct {
		RegistryURL   string        `yaml:"registry_url"`   // Device registry base URL
		CacheSize     int           `yaml:"cache_size"`     // Identity cache entry bound
		CacheTTL      time.Duration `yaml:"cache_ttl"`      // Identity record time to live
		LookupTimeout time.Duration `yaml:"lookup_timeout"` // Registry call deadline
	} `yaml:"identity"`

	Normalizer struct {
		MaxPayloadSize int `yaml:"max_payload_size"` // Maximum accepted payload size in bytes
	} `yaml:"normalizer"`

	Pipeline struct {
		MaxRetries     int           `yaml:"max_retries"`      // Identity retry limit per message
		BaseDelay      time.Duration `yaml:"base_delay"`       // Initial identity retry backoff
		MaxDelay       time.Duration `yaml:"max_delay"`        // Identity retry backoff ceiling
		RetryQueueSize int           `yaml:"retry_queue_size"` // Per-connection held message bound
	} `yaml:"pipeline"`

	Forwarder struct {
		Broker         string        `yaml:"broker"`          // Downstream broker address
		ClientID       string        `yaml:"client_id"`       // Downstream client ID
		TopicPrefix    string        `yaml:"topic_prefix"`    // Downstream topic prefix for envelopes
		QOS            int           `yaml:"qos"`             // Downstream publish QoS level
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the downstream CA certificate
		MaxRetries     int           `yaml:"max_retries"`     // Delivery attempt limit per envelope
		BaseDelay      time.Duration `yaml:"base_delay"`      // Initial delivery retry backoff
		MaxDelay       time.Duration `yaml:"max_delay"`       // Delivery retry backoff ceiling
		AttemptTimeout time.Duration `yaml:"attempt_timeout"` // Single delivery attempt deadline
		Breaker        struct {
			Threshold int           `yaml:"threshold"` // Consecutive failures before opening
			Cooldown  time.Duration `yaml:"cooldown"`  // Open state duration
		} `yaml:"breaker"`
	} `yaml:"forwarder"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	// Use the ReadYamlFile method from fileClient
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
