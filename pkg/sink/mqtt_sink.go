package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-gateway/internal/models"
	"github.com/benmeehan/iot-gateway/pkg/file"
)

// ErrDeliveryTimeout reports that the downstream broker did not acknowledge
// a publish within the attempt deadline.
var ErrDeliveryTimeout = errors.New("downstream delivery timed out")

// MQTTSink publishes canonical envelopes to an internal message bus over MQTT.
type MQTTSink struct {
	client      mqtt.Client
	fileClient  file.FileOperations
	topicPrefix string
	qos         byte
	logger      zerolog.Logger
}

// NewMQTTSink creates an uninitialized MQTTSink.
func NewMQTTSink(fileClient file.FileOperations, topicPrefix string, qos byte, logger zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		fileClient:  fileClient,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Initialize connects to the downstream broker, optionally over TLS when a
// CA certificate path is configured.
func (s *MQTTSink) Initialize(broker, clientID, caCertPath string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)

	if caCertPath != "" {
		caCert, err := s.fileClient.ReadFileRaw(caCertPath)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: caCertPool})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to downstream broker: %w", token.Error())
	}

	s.client = client
	s.logger.Info().Str("broker", broker).Msg("Downstream sink connected")
	return nil
}

// Deliver publishes the envelope to {prefix}/{tenant}/{device}.
func (s *MQTTSink) Deliver(ctx context.Context, envelope models.TelemetryEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s", s.topicPrefix, envelope.TenantID, envelope.DeviceID)
	token := s.client.Publish(topic, s.qos, false, payload)

	timeout := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		token.Wait()
	} else if !token.WaitTimeout(timeout) {
		return ErrDeliveryTimeout
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Close disconnects from the downstream broker.
func (s *MQTTSink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}
