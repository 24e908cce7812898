// Package normalizer converts raw protocol messages into canonical
// telemetry envelopes.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/iot-gateway/internal/constants"
	"github.com/benmeehan/iot-gateway/internal/models"
)

// TopicPrefix is the required first segment of every telemetry topic.
const TopicPrefix = "telemetry"

// deviceTimeField is the reserved payload field carrying the device-reported
// timestamp in unix milliseconds. It is extracted, not kept as a field.
const deviceTimeField = "ts"

// Reason classifies why a message failed normalization.
type Reason string

const (
	// ReasonMalformedTopic means the topic did not parse.
	ReasonMalformedTopic Reason = "malformed_topic"

	// ReasonPayloadTooLarge means the payload exceeded the size limit.
	ReasonPayloadTooLarge Reason = "payload_too_large"

	// ReasonUnparseablePayload means the payload was not valid JSON.
	ReasonUnparseablePayload Reason = "unparseable_payload"

	// ReasonUnsupportedField means a field carried a nested or null value.
	ReasonUnsupportedField Reason = "unsupported_field"

	// ReasonEmptyPayload means the payload decoded to zero fields.
	ReasonEmptyPayload Reason = "empty_payload"
)

// NormalizationError is a permanent rejection of one message. Messages that
// fail normalization are never retried.
type NormalizationError struct {
	Reason Reason
	Detail string
}

// Error implements the error interface.
func (e *NormalizationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func normErr(reason Reason, format string, args ...interface{}) error {
	return &NormalizationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Topic is the parsed structure of a telemetry topic.
type Topic struct {
	TenantID    string
	DeviceID    string
	Measurement string
}

// ParseTopic parses "telemetry/{tenant}/{device}/{measurement}". Every
// segment must be non-empty and wildcard-free.
func ParseTopic(topic string) (Topic, error) {
	segments := strings.Split(topic, "/")
	if len(segments) != 4 || segments[0] != TopicPrefix {
		return Topic{}, normErr(ReasonMalformedTopic, "expected %s/{tenant}/{device}/{measurement}, got %q", TopicPrefix, topic)
	}
	for _, segment := range segments[1:] {
		if segment == "" || strings.ContainsAny(segment, "+#") {
			return Topic{}, normErr(ReasonMalformedTopic, "invalid topic segment in %q", topic)
		}
	}
	return Topic{TenantID: segments[1], DeviceID: segments[2], Measurement: segments[3]}, nil
}

// Normalizer is a stateless message decoder. Sequence numbers are assigned
// by the pipeline, not here.
type Normalizer struct {
	maxPayloadSize int
}

// New creates a Normalizer with the given payload size limit.
func New(maxPayloadSize int) Normalizer {
	if maxPayloadSize <= 0 {
		maxPayloadSize = constants.MaxPayloadSize
	}
	return Normalizer{maxPayloadSize: maxPayloadSize}
}

// Cost reports the admission cost of a payload: the element count for a
// batched (JSON array) payload, otherwise 1. It never fails; malformed
// payloads are charged 1 and rejected later during normalization.
func (n Normalizer) Cost(payload []byte) int {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return 1
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil || len(elements) == 0 {
		return 1
	}
	return len(elements)
}

// Normalize converts one raw message into canonical envelopes: one for an
// object payload, one per element for a batched array payload. Envelope
// sequence numbers are left zero for the pipeline to assign.
func (n Normalizer) Normalize(topic string, payload []byte, receivedAt time.Time) ([]models.TelemetryEnvelope, error) {
	parsed, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}
	if len(payload) > n.maxPayloadSize {
		return nil, normErr(ReasonPayloadTooLarge, "payload is %d bytes, limit is %d", len(payload), n.maxPayloadSize)
	}

	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, normErr(ReasonUnparseablePayload, "invalid batch payload: %v", err)
		}
		if len(elements) == 0 {
			return nil, normErr(ReasonEmptyPayload, "batch payload has no readings")
		}
		envelopes := make([]models.TelemetryEnvelope, 0, len(elements))
		for i, element := range elements {
			envelope, err := n.decodeObject(parsed, element, receivedAt)
			if err != nil {
				return nil, fmt.Errorf("batch element %d: %w", i, err)
			}
			envelopes = append(envelopes, envelope)
		}
		return envelopes, nil
	}

	envelope, err := n.decodeObject(parsed, payload, receivedAt)
	if err != nil {
		return nil, err
	}
	return []models.TelemetryEnvelope{envelope}, nil
}

// decodeObject decodes a single one-level JSON object into an envelope,
// preserving the field order the device sent.
func (n Normalizer) decodeObject(topic Topic, payload []byte, receivedAt time.Time) (models.TelemetryEnvelope, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	token, err := decoder.Token()
	if err != nil {
		return models.TelemetryEnvelope{}, normErr(ReasonUnparseablePayload, "invalid payload: %v", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return models.TelemetryEnvelope{}, normErr(ReasonUnparseablePayload, "payload is not a JSON object")
	}

	envelope := models.TelemetryEnvelope{
		DeviceID:    topic.DeviceID,
		TenantID:    topic.TenantID,
		Measurement: topic.Measurement,
		IngestedAt:  receivedAt,
	}

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return models.TelemetryEnvelope{}, normErr(ReasonUnparseablePayload, "invalid payload: %v", err)
		}
		key := keyToken.(string)

		valueToken, err := decoder.Token()
		if err != nil {
			return models.TelemetryEnvelope{}, normErr(ReasonUnparseablePayload, "invalid payload: %v", err)
		}

		value, err := decodeValue(key, valueToken)
		if err != nil {
			return models.TelemetryEnvelope{}, err
		}

		if key == deviceTimeField && value.Kind == models.FieldNumber {
			deviceTime := time.UnixMilli(int64(value.Number)).UTC()
			envelope.DeviceTime = &deviceTime
			continue
		}

		envelope.Fields = append(envelope.Fields, models.Field{Name: key, Value: value})
	}

	if _, err := decoder.Token(); err != nil {
		return models.TelemetryEnvelope{}, normErr(ReasonUnparseablePayload, "invalid payload: %v", err)
	}

	if len(envelope.Fields) == 0 {
		return models.TelemetryEnvelope{}, normErr(ReasonEmptyPayload, "payload has no fields")
	}
	return envelope, nil
}

// decodeValue maps one JSON token to a typed field value. Nested objects,
// arrays and nulls are rejected rather than accepted as arbitrary shapes.
func decodeValue(key string, token json.Token) (models.FieldValue, error) {
	switch v := token.(type) {
	case json.Number:
		number, err := v.Float64()
		if err != nil {
			return models.FieldValue{}, normErr(ReasonUnsupportedField, "field %q: bad number %q", key, v.String())
		}
		return models.FieldValue{Kind: models.FieldNumber, Number: number}, nil
	case bool:
		return models.FieldValue{Kind: models.FieldBool, Bool: v}, nil
	case string:
		return models.FieldValue{Kind: models.FieldString, Str: v}, nil
	default:
		return models.FieldValue{}, normErr(ReasonUnsupportedField, "field %q carries a nested or null value", key)
	}
}
