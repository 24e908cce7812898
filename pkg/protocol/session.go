// Package protocol implements the server side of the device-facing MQTT
// session on top of the paho packet codec: handshake, inbound publishes,
// acknowledgements and keepalive.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
)

// ErrIdleTimeout reports that the connection was silent past the idle window.
var ErrIdleTimeout = errors.New("connection idle timeout")

// ErrHandshakeRejected reports that the CONNECT packet failed validation.
var ErrHandshakeRejected = errors.New("connect handshake rejected")

// backoffTopic is where throttling notices are published to the device.
const backoffTopic = "$gateway/backoff"

// Message is one inbound PUBLISH from the device.
type Message struct {
	Topic      string
	Payload    []byte
	QoS        byte
	MessageID  uint16
	ReceivedAt time.Time
}

// backoffNotice is the throttling payload sent to a device.
type backoffNotice struct {
	Topic        string `json:"topic"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// Session wraps one device connection. Reads are driven by the single
// goroutine owning the connection; writes are serialized internally.
type Session struct {
	conn       net.Conn
	clientID   string
	logger     zerolog.Logger
	writeMu    sync.Mutex
	onActivity func()
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, logger zerolog.Logger) *Session {
	return &Session{
		conn:   conn,
		logger: logger,
	}
}

// Handshake reads the CONNECT packet, answers with CONNACK and returns the
// client identifier the device presented.
func (s *Session) Handshake(timeout time.Duration) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	packet, err := packets.ReadPacket(s.conn)
	if err != nil {
		return "", fmt.Errorf("failed to read connect packet: %w", err)
	}

	connect, ok := packet.(*packets.ConnectPacket)
	if !ok {
		return "", fmt.Errorf("%w: expected CONNECT, got %s", ErrHandshakeRejected, packet.String())
	}

	code := connect.Validate()
	connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	connack.ReturnCode = code
	if err := s.writePacket(connack); err != nil {
		return "", fmt.Errorf("failed to write connack: %w", err)
	}
	if code != packets.Accepted {
		return "", fmt.Errorf("%w: return code %d", ErrHandshakeRejected, code)
	}

	s.clientID = connect.ClientIdentifier
	return s.clientID, nil
}

// SetActivityHook installs a callback fired for every inbound packet,
// keepalive pings included. Set it before the read loop starts; it runs on
// the reading goroutine.
func (s *Session) SetActivityHook(hook func()) {
	s.onActivity = hook
}

// ReadMessage blocks until the next PUBLISH arrives, answering keepalive
// pings internally. It returns ErrIdleTimeout when the connection was silent
// past idleTimeout and io.EOF on an orderly disconnect.
func (s *Session) ReadMessage(idleTimeout time.Duration) (*Message, error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, err
		}

		packet, err := packets.ReadPacket(s.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrIdleTimeout
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		// Any well-formed inbound packet is activity, not just publishes;
		// the idle reaper must agree with the read deadline on that.
		if s.onActivity != nil {
			s.onActivity()
		}

		switch p := packet.(type) {
		case *packets.PublishPacket:
			return &Message{
				Topic:      p.TopicName,
				Payload:    p.Payload,
				QoS:        p.Qos,
				MessageID:  p.MessageID,
				ReceivedAt: time.Now(),
			}, nil
		case *packets.PingreqPacket:
			pingresp := packets.NewControlPacket(packets.Pingresp)
			if err := s.writePacket(pingresp); err != nil {
				return nil, err
			}
		case *packets.DisconnectPacket:
			return nil, io.EOF
		case *packets.SubscribePacket:
			// Devices publish only; subscriptions are refused per topic.
			suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			suback.MessageID = p.MessageID
			suback.ReturnCodes = make([]byte, len(p.Topics))
			for i := range suback.ReturnCodes {
				suback.ReturnCodes[i] = 0x80
			}
			if err := s.writePacket(suback); err != nil {
				return nil, err
			}
		case *packets.UnsubscribePacket:
			unsuback := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			unsuback.MessageID = p.MessageID
			if err := s.writePacket(unsuback); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unexpected packet %s", packet.String())
		}
	}
}

// Ack acknowledges a QoS 1 publish.
func (s *Session) Ack(messageID uint16) error {
	puback := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	puback.MessageID = messageID
	return s.writePacket(puback)
}

// NotifyBackoff tells the device it is being throttled and for how long.
func (s *Session) NotifyBackoff(topic string, retryAfter time.Duration) error {
	payload, err := json.Marshal(backoffNotice{
		Topic:        topic,
		RetryAfterMS: retryAfter.Milliseconds(),
	})
	if err != nil {
		return err
	}

	publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publish.TopicName = backoffTopic
	publish.Payload = payload
	publish.Qos = 0
	return s.writePacket(publish)
}

// ClientID returns the identifier presented during the handshake.
func (s *Session) ClientID() string {
	return s.clientID
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Close tears the connection down.
func (s *Session) Close() error {
	return s.conn.Close()
}

// writePacket serializes one packet to the connection.
func (s *Session) writePacket(packet packets.ControlPacket) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return packet.Write(s.conn)
}
