// Package admission implements per-key token bucket rate limiting for
// inbound telemetry traffic.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/constants"
)

// Key selects a limiter bucket. Keys are immutable once created.
type Key struct {
	TenantID     string
	DeviceID     string
	ConnectionID string
}

// String renders the bucket table key.
func (k Key) String() string {
	s := k.TenantID + "/" + k.DeviceID
	if k.ConnectionID != "" {
		s += "/" + k.ConnectionID
	}
	return s
}

// Limits describes one bucket's capacity and refill rate.
type Limits struct {
	// Capacity is the maximum burst in tokens.
	Capacity float64

	// Rate is the refill rate in tokens per second.
	Rate float64
}

// Config holds the controller tunables.
type Config struct {
	// Device limits apply per (tenant, device) key.
	Device Limits

	// Tenant limits apply as an aggregate across all devices of a tenant.
	// A zero Rate disables the aggregate check.
	Tenant Limits

	// IdleEviction evicts buckets that saw no traffic for this long.
	IdleEviction time.Duration

	// SweepInterval is how often idle buckets are swept.
	SweepInterval time.Duration
}

// Decision is the outcome of an admission check. A denied admission is a
// normal outcome, not an error.
type Decision struct {
	// Allowed reports whether the message may be processed.
	Allowed bool

	// RetryAfter is how long the sender should back off when denied.
	RetryAfter time.Duration

	// Remaining is the device bucket token count after the check.
	Remaining float64
}

// tokenBucket is per-key limiter state. Refill is computed lazily at
// check time from elapsed wall-clock time; there are no background timers.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

func newTokenBucket(limits Limits, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   limits.Capacity,
		rate:       limits.Rate,
		tokens:     limits.Capacity,
		lastRefill: now,
		lastSeen:   now,
	}
}

// refill tops the bucket up from elapsed time, saturating at capacity.
// Caller must hold the bucket lock.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	b.lastSeen = now
}

// retryAfter reports how long until cost tokens are available.
// Caller must hold the bucket lock.
func (b *tokenBucket) retryAfter(cost float64) time.Duration {
	if b.rate <= 0 {
		return time.Duration(0)
	}
	deficit := cost - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Controller owns the bucket tables. Checks on distinct keys never serialize
// against each other; a single key's bucket is never read-modified-written by
// two callers concurrently.
type Controller struct {
	cfg     Config
	clk     clock.Clock
	logger  zerolog.Logger
	devices cmap.ConcurrentMap[string, *tokenBucket]
	tenants cmap.ConcurrentMap[string, *tokenBucket]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewController initializes a Controller with the given limits.
func NewController(cfg Config, clk clock.Clock, logger zerolog.Logger) *Controller {
	if cfg.Device.Capacity <= 0 {
		cfg.Device.Capacity = constants.DeviceBucketCapacity
	}
	if cfg.Device.Rate <= 0 {
		cfg.Device.Rate = constants.DeviceBucketRate
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = constants.BucketIdleEviction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.BucketSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Controller{
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
		devices: cmap.New[*tokenBucket](),
		tenants: cmap.New[*tokenBucket](),
	}
}

// Admit decides whether a message of the given cost is processed. Both the
// per-device bucket and, when configured, the tenant aggregate bucket must
// allow; a deny by one consumes nothing from the other.
func (c *Controller) Admit(key Key, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := c.clk.Now()

	device := c.bucketFor(c.devices, key.String(), c.cfg.Device, now)

	var tenant *tokenBucket
	if c.cfg.Tenant.Rate > 0 && key.TenantID != "" {
		tenant = c.bucketFor(c.tenants, key.TenantID, c.cfg.Tenant, now)
	}

	// Lock order is device then tenant, everywhere.
	device.mu.Lock()
	defer device.mu.Unlock()
	if tenant != nil {
		tenant.mu.Lock()
		defer tenant.mu.Unlock()
	}

	device.refill(now)
	if tenant != nil {
		tenant.refill(now)
	}

	if device.tokens < cost {
		return Decision{RetryAfter: device.retryAfter(cost), Remaining: device.tokens}
	}
	if tenant != nil && tenant.tokens < cost {
		return Decision{RetryAfter: tenant.retryAfter(cost), Remaining: device.tokens}
	}

	device.tokens -= cost
	if tenant != nil {
		tenant.tokens -= cost
	}
	return Decision{Allowed: true, Remaining: device.tokens}
}

// bucketFor returns the bucket for id, creating it lazily on first traffic.
func (c *Controller) bucketFor(table cmap.ConcurrentMap[string, *tokenBucket], id string, limits Limits, now time.Time) *tokenBucket {
	if bucket, ok := table.Get(id); ok {
		return bucket
	}
	table.SetIfAbsent(id, newTokenBucket(limits, now))
	bucket, _ := table.Get(id)
	return bucket
}

// Start launches the idle bucket reaper.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx != nil {
		c.logger.Warn().Msg("Admission controller is already running")
		return errors.New("admission controller is already running")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runReaper()
	}()

	c.logger.Info().
		Float64("device_capacity", c.cfg.Device.Capacity).
		Float64("device_rate", c.cfg.Device.Rate).
		Msg("Admission controller started")
	return nil
}

// Stop halts the reaper and clears the bucket tables.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		c.logger.Warn().Msg("Admission controller is not running")
		return errors.New("admission controller is not running")
	}

	c.cancel()
	c.wg.Wait()

	c.ctx = nil
	c.cancel = nil
	c.devices.Clear()
	c.tenants.Clear()

	c.logger.Info().Msg("Admission controller stopped")
	return nil
}

// runReaper periodically evicts buckets idle past the configured window.
func (c *Controller) runReaper() {
	ticker := c.clk.Ticker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := c.sweep(c.clk.Now())
			if evicted > 0 {
				c.logger.Debug().Int("evicted", evicted).Msg("Evicted idle limiter buckets")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// sweep removes idle buckets from both tables and returns the eviction count.
func (c *Controller) sweep(now time.Time) int {
	evicted := 0
	for _, table := range []cmap.ConcurrentMap[string, *tokenBucket]{c.devices, c.tenants} {
		for tuple := range table.IterBuffered() {
			bucket := tuple.Val
			bucket.mu.Lock()
			idle := now.Sub(bucket.lastSeen) >= c.cfg.IdleEviction
			bucket.mu.Unlock()
			if idle {
				table.Remove(tuple.Key)
				evicted++
			}
		}
	}
	return evicted
}

// BucketCount reports the number of live device buckets.
func (c *Controller) BucketCount() int {
	return c.devices.Count()
}
