package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLookup_Found decodes a known device.
func TestLookup_Found(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/d1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"device_id": "d1", "tenant_id": "t1", "valid": true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	device, err := client.Lookup(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, Device{DeviceID: "d1", TenantID: "t1", Valid: true}, device)
}

// TestLookup_NotFound maps 404 to the permanent not-found error.
func TestLookup_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	_, err := client.Lookup(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrDeviceNotFound)
	assert.NotErrorIs(t, err, ErrRegistryUnreachable)
}

// TestLookup_ServerErrorIsTransient maps 5xx to the transient error.
func TestLookup_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	_, err := client.Lookup(context.Background(), "d1")
	require.ErrorIs(t, err, ErrRegistryUnreachable)
}

// TestLookup_TransportFailureIsTransient maps a refused connection to the
// transient error.
func TestLookup_TransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	_, err := client.Lookup(context.Background(), "d1")
	require.ErrorIs(t, err, ErrRegistryUnreachable)
}

// TestLookup_MalformedBodyIsTransient treats an undecodable 200 as transient.
func TestLookup_MalformedBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	_, err := client.Lookup(context.Background(), "d1")
	require.ErrorIs(t, err, ErrRegistryUnreachable)
}

// TestLookup_FillsDeviceID backfills the queried id when the registry omits it.
func TestLookup_FillsDeviceID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tenant_id": "t1", "valid": true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	device, err := client.Lookup(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", device.DeviceID)
}

// TestLookup_EscapesDeviceID path-escapes hostile identifiers.
func TestLookup_EscapesDeviceID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	_, err := client.Lookup(context.Background(), "a/../b")
	require.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, "/devices/a%2F..%2Fb", gotPath)
}
