package constants

import "time"

const (
	// DefaultListenAddr is the address the device-facing listener binds to.
	DefaultListenAddr = ":1883"

	// DefaultHealthAddr is the address of the health/metrics HTTP server.
	DefaultHealthAddr = ":8080"

	// MaxConnections caps the number of concurrently served device connections.
	MaxConnections = 1024

	// HandshakeTimeout bounds how long a freshly accepted connection may take
	// to complete the protocol handshake.
	HandshakeTimeout = 10 * time.Second

	// IdleTimeout closes connections that have been silent for this long.
	IdleTimeout = 5 * time.Minute

	// ShutdownGrace is how long in-flight messages may drain on shutdown.
	ShutdownGrace = 30 * time.Second

	// ReapInterval is how often the supervisor sweeps for idle connections.
	ReapInterval = 30 * time.Second
)

const (
	// DeviceBucketCapacity is the per-device token bucket burst size.
	DeviceBucketCapacity = 10

	// DeviceBucketRate is the per-device refill rate in tokens per second.
	DeviceBucketRate = 5

	// TenantBucketCapacity is the tenant aggregate bucket burst size.
	TenantBucketCapacity = 200

	// TenantBucketRate is the tenant aggregate refill rate in tokens per second.
	TenantBucketRate = 100

	// BucketIdleEviction evicts limiter buckets that saw no traffic for this long.
	BucketIdleEviction = 10 * time.Minute

	// BucketSweepInterval is how often idle buckets are swept.
	BucketSweepInterval = 1 * time.Minute
)

const (
	// IdentityCacheSize bounds the number of cached device identity records.
	IdentityCacheSize = 10000

	// IdentityCacheTTL is how long a resolved identity record stays fresh.
	IdentityCacheTTL = 5 * time.Minute

	// RegistryLookupTimeout bounds a single device registry call.
	RegistryLookupTimeout = 5 * time.Second
)

const (
	// MaxPayloadSize is the largest accepted telemetry payload in bytes.
	MaxPayloadSize = 64 * 1024

	// RetryQueueSize bounds the per-connection queue of messages waiting on
	// a transient identity failure.
	RetryQueueSize = 16

	// PipelineMaxRetries is the identity re-resolution attempt limit.
	PipelineMaxRetries = 4

	// PipelineBaseDelay is the initial identity retry backoff.
	PipelineBaseDelay = 250 * time.Millisecond

	// PipelineMaxDelay caps the identity retry backoff.
	PipelineMaxDelay = 5 * time.Second
)

const (
	// ForwardMaxRetries is the delivery attempt limit per envelope.
	ForwardMaxRetries = 3

	// ForwardBaseDelay is the initial delivery retry backoff.
	ForwardBaseDelay = 100 * time.Millisecond

	// ForwardMaxDelay caps the delivery retry backoff.
	ForwardMaxDelay = 2 * time.Second

	// ForwardAttemptTimeout bounds a single downstream delivery attempt.
	ForwardAttemptTimeout = 5 * time.Second

	// BreakerThreshold is the consecutive-failure count that opens the circuit.
	BreakerThreshold = 5

	// BreakerCooldown is how long the circuit stays open before probing.
	BreakerCooldown = 10 * time.Second

	// OutcomeWindowSize bounds the per-connection admission outcome history.
	OutcomeWindowSize = 32
)
