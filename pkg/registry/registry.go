// Package registry provides the client for the external device registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ErrDeviceNotFound reports that the registry does not know the device.
// This is a permanent outcome for the lifetime of the lookup.
var ErrDeviceNotFound = errors.New("device not found in registry")

// ErrRegistryUnreachable reports a transient failure talking to the registry.
var ErrRegistryUnreachable = errors.New("device registry unreachable")

// Device is the registry's answer for one device identifier.
type Device struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
	Valid    bool   `json:"valid"`
}

// Client defines the lookup interface consumed by the identity cache.
type Client interface {
	// Lookup resolves a device identifier. It returns ErrDeviceNotFound when
	// the registry answers that the device does not exist, and an error
	// wrapping ErrRegistryUnreachable on transport or server failures.
	Lookup(ctx context.Context, deviceID string) (Device, error)
}

// HTTPClient talks to the registry's REST lookup endpoint.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates a registry client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Lookup fetches the device record from GET {base}/devices/{id}.
func (c *HTTPClient) Lookup(ctx context.Context, deviceID string) (Device, error) {
	endpoint := fmt.Sprintf("%s/devices/%s", c.baseURL, url.PathEscape(deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Device{}, fmt.Errorf("failed to build registry request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Registry request failed")
		return Device{}, fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var device Device
		if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
			return Device{}, fmt.Errorf("%w: malformed registry response: %v", ErrRegistryUnreachable, err)
		}
		if device.DeviceID == "" {
			device.DeviceID = deviceID
		}
		return device, nil
	case resp.StatusCode == http.StatusNotFound:
		return Device{}, ErrDeviceNotFound
	default:
		c.logger.Warn().Int("status", resp.StatusCode).Str("device_id", deviceID).Msg("Unexpected registry status")
		return Device{}, fmt.Errorf("%w: registry returned status %d", ErrRegistryUnreachable, resp.StatusCode)
	}
}
