// Package identity caches device registry lookups in front of the external
// device registry.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/benmeehan/iot-gateway/internal/constants"
	"github.com/benmeehan/iot-gateway/internal/models"
	"github.com/benmeehan/iot-gateway/pkg/registry"
)

// Stats counts cache activity for observability hooks.
type Stats struct {
	// Lookups is the number of registry calls actually issued.
	Lookups func()

	// Coalesced is the number of callers served by an in-flight call.
	Coalesced func()
}

// Cache is a bounded, time-expiring cache of device identity records.
// Concurrent misses for the same device collapse into a single registry call.
type Cache struct {
	client  registry.Client
	store   *expirable.LRU[string, models.DeviceIdentityRecord]
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
	clk     clock.Clock
	logger  zerolog.Logger
	stats   Stats
}

// NewCache creates a Cache of the given size and record TTL over client.
func NewCache(client registry.Client, size int, ttl, lookupTimeout time.Duration, clk clock.Clock, logger zerolog.Logger) *Cache {
	if size <= 0 {
		size = constants.IdentityCacheSize
	}
	if ttl <= 0 {
		ttl = constants.IdentityCacheTTL
	}
	if lookupTimeout <= 0 {
		lookupTimeout = constants.RegistryLookupTimeout
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Cache{
		client:  client,
		store:   expirable.NewLRU[string, models.DeviceIdentityRecord](size, nil, ttl),
		ttl:     ttl,
		timeout: lookupTimeout,
		clk:     clk,
		logger:  logger,
	}
}

// SetStats installs optional activity callbacks.
func (c *Cache) SetStats(stats Stats) {
	c.stats = stats
}

// Resolve returns the identity record for deviceID. Unexpired hits return
// immediately. Misses call the registry, collapsing concurrent lookups for
// the same device into one upstream call whose result every waiter shares.
// Transient registry failures are surfaced, never cached; an authoritative
// "not found" is cached as an invalid record so an unknown-device flood
// cannot bypass the cache.
func (c *Cache) Resolve(ctx context.Context, deviceID string) (models.DeviceIdentityRecord, error) {
	if record, ok := c.store.Get(deviceID); ok && !record.Expired(c.clk.Now()) {
		return record, nil
	}

	ch := c.group.DoChan(deviceID, func() (interface{}, error) {
		return c.lookup(deviceID)
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return models.DeviceIdentityRecord{}, result.Err
		}
		if result.Shared && c.stats.Coalesced != nil {
			c.stats.Coalesced()
		}
		return result.Val.(models.DeviceIdentityRecord), nil
	case <-ctx.Done():
		return models.DeviceIdentityRecord{}, ctx.Err()
	}
}

// lookup performs the registry call and caches the outcome. It runs under
// singleflight with its own timeout, detached from any single caller's
// context so one cancelled waiter does not fail the shared flight.
func (c *Cache) lookup(deviceID string) (interface{}, error) {
	lookupCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if c.stats.Lookups != nil {
		c.stats.Lookups()
	}

	device, err := c.client.Lookup(lookupCtx, deviceID)
	now := c.clk.Now()

	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			record := models.DeviceIdentityRecord{
				DeviceID:   deviceID,
				Valid:      false,
				ResolvedAt: now,
				ExpiresAt:  now.Add(c.ttl),
			}
			c.store.Add(deviceID, record)
			c.logger.Debug().Str("device_id", deviceID).Msg("Cached negative identity record")
			return record, nil
		}
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Registry lookup failed")
		return nil, err
	}

	record := models.DeviceIdentityRecord{
		DeviceID:   deviceID,
		TenantID:   device.TenantID,
		Valid:      device.Valid,
		ResolvedAt: now,
		ExpiresAt:  now.Add(c.ttl),
	}
	c.store.Add(deviceID, record)
	return record, nil
}

// Invalidate drops any cached record for deviceID.
func (c *Cache) Invalidate(deviceID string) {
	c.store.Remove(deviceID)
}

// Len reports the number of cached records, including ones pending expiry.
func (c *Cache) Len() int {
	return c.store.Len()
}
