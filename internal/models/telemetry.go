package models

import "time"

// FieldKind enumerates the value types a telemetry field may carry.
type FieldKind int

const (
	// FieldNumber is a numeric field value.
	FieldNumber FieldKind = iota

	// FieldBool is a boolean field value.
	FieldBool

	// FieldString is a string field value.
	FieldString
)

// String returns the wire name of the field kind.
func (k FieldKind) String() string {
	switch k {
	case FieldNumber:
		return "number"
	case FieldBool:
		return "bool"
	case FieldString:
		return "string"
	default:
		return "unknown"
	}
}

// FieldValue is a typed telemetry value: exactly one of the members is
// meaningful, selected by Kind.
type FieldValue struct {
	Kind   FieldKind `json:"kind"`
	Number float64   `json:"number,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Str    string    `json:"string,omitempty"`
}

// Field is a single named telemetry value. Field order within an envelope
// mirrors the order the device sent them in.
type Field struct {
	Name  string     `json:"name"`
	Value FieldValue `json:"value"`
}

// TelemetryEnvelope is the canonical, protocol-independent form of one
// ingested telemetry message. Envelopes are immutable once constructed.
type TelemetryEnvelope struct {
	// DeviceID is the originating device identifier.
	DeviceID string `json:"device_id"`

	// TenantID is the tenant that owns the device.
	TenantID string `json:"tenant_id"`

	// Measurement names the metric group this envelope carries.
	Measurement string `json:"measurement"`

	// Fields holds the typed values in device order.
	Fields []Field `json:"fields"`

	// IngestedAt is the gateway-assigned receipt timestamp.
	IngestedAt time.Time `json:"ingested_at"`

	// DeviceTime is the optional device-reported timestamp.
	DeviceTime *time.Time `json:"device_time,omitempty"`

	// Sequence is the per-device-connection delivery sequence number. It only
	// advances for envelopes that were acknowledged downstream.
	Sequence uint64 `json:"sequence"`
}
