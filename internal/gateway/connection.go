package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/iot-gateway/pkg/protocol"
)

// OutcomeWindow is a bounded sliding window of recent admission outcomes,
// kept for diagnostics only; the rate-limit decision itself lives in the
// admission controller.
type OutcomeWindow struct {
	mu      sync.Mutex
	entries []string
	size    int
}

// NewOutcomeWindow creates a window holding at most size outcomes.
func NewOutcomeWindow(size int) *OutcomeWindow {
	return &OutcomeWindow{size: size}
}

// Add records an outcome, evicting the oldest past the bound.
func (w *OutcomeWindow) Add(outcome string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, outcome)
	if len(w.entries) > w.size {
		w.entries = w.entries[len(w.entries)-w.size:]
	}
}

// Snapshot returns a copy of the window contents, oldest first.
func (w *OutcomeWindow) Snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := make([]string, len(w.entries))
	copy(snapshot, w.entries)
	return snapshot
}

// Connection is the supervisor-owned state of one active device connection.
// Created on connect, destroyed on disconnect.
type Connection struct {
	ID          string
	ClientID    string
	RemoteAddr  string
	ConnectedAt time.Time

	session *protocol.Session
	cancel  context.CancelFunc

	messageCount atomic.Int64
	byteCount    atomic.Int64
	lastActivity atomic.Int64
	outcomes     *OutcomeWindow
}

// NewConnection wraps a completed handshake into supervisor state.
func NewConnection(id, clientID string, session *protocol.Session, cancel context.CancelFunc, outcomeWindow int, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		ClientID:    clientID,
		RemoteAddr:  session.RemoteAddr(),
		ConnectedAt: now,
		session:     session,
		cancel:      cancel,
		outcomes:    NewOutcomeWindow(outcomeWindow),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// RecordMessage accounts one inbound message of the given size.
func (c *Connection) RecordMessage(bytes int) {
	c.messageCount.Add(1)
	c.byteCount.Add(int64(bytes))
	c.Touch()
}

// RecordOutcome appends to the diagnostics window.
func (c *Connection) RecordOutcome(outcome string) {
	c.outcomes.Add(outcome)
}

// Touch refreshes the last-activity timestamp.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince reports whether the connection has been silent past timeout.
func (c *Connection) IdleSince(now time.Time, timeout time.Duration) bool {
	last := time.Unix(0, c.lastActivity.Load())
	return now.Sub(last) > timeout
}

// ForceClose cancels pending work and tears the transport down.
func (c *Connection) ForceClose() {
	c.cancel()
	_ = c.session.Close()
}

// Info is the diagnostics view of a connection served by the health endpoint.
type Info struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	RemoteAddr     string    `json:"remote_addr"`
	ConnectedAt    time.Time `json:"connected_at"`
	MessageCount   int64     `json:"message_count"`
	ByteCount      int64     `json:"byte_count"`
	LastActivity   time.Time `json:"last_activity"`
	RecentOutcomes []string  `json:"recent_outcomes"`
}

// Info returns the diagnostics view.
func (c *Connection) Info() Info {
	return Info{
		ID:             c.ID,
		ClientID:       c.ClientID,
		RemoteAddr:     c.RemoteAddr,
		ConnectedAt:    c.ConnectedAt,
		MessageCount:   c.messageCount.Load(),
		ByteCount:      c.byteCount.Load(),
		LastActivity:   time.Unix(0, c.lastActivity.Load()),
		RecentOutcomes: c.outcomes.Snapshot(),
	}
}
