package models

import "time"

// DeviceIdentityRecord is a cached device registry lookup result. Records are
// replaced whole on refresh, never mutated in place.
type DeviceIdentityRecord struct {
	// DeviceID is the device identifier the record describes.
	DeviceID string `json:"device_id"`

	// TenantID is the tenant the registry resolved the device to.
	TenantID string `json:"tenant_id"`

	// Valid reports whether the registry recognizes the device.
	Valid bool `json:"valid"`

	// ResolvedAt is when the registry answered.
	ResolvedAt time.Time `json:"resolved_at"`

	// ExpiresAt is when the record stops being served. Always after ResolvedAt.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record must be treated as a cache miss.
func (r DeviceIdentityRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
