package monitoring

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// TelemetryKind discriminates the kind-specific telemetry payload when it
	// is persisted as JSONB and when it crosses the source adapter boundary.
	TelemetryKind string

	// TelemetryData is the tagged union of kind-specific telemetry payloads.
	//
	// Implementations are TraceData, LogsData and MetricData. Persistence
	// dispatches on Kind() via MarshalTelemetryData/UnmarshalTelemetryData
	// rather than on runtime type checks.
	TelemetryData interface {
		Kind() TelemetryKind
	}

	// TraceData carries span-level attributes of a distributed trace item.
	TraceData struct {
		TraceID      string        `json:"traceId"`
		SpanID       string        `json:"spanId"`
		ParentSpanID string        `json:"parentSpanId,omitempty"`
		Name         string        `json:"name"`
		Duration     time.Duration `json:"duration"`
		Success      bool          `json:"success"`
		Result       string        `json:"result,omitempty"`
	}

	// LogsData carries a single log record.
	LogsData struct {
		Message string `json:"message"`
	}

	// MetricData carries a single named measurement.
	MetricData struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}

	// dataEnvelope is the persisted wire form of TelemetryData: the kind tag
	// plus the raw payload, so deserialization can dispatch without peeking.
	dataEnvelope struct {
		Kind    TelemetryKind   `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
)

const (
	// KindTrace tags TraceData payloads.
	KindTrace TelemetryKind = "trace"

	// KindLogs tags LogsData payloads.
	KindLogs TelemetryKind = "logs"

	// KindMetric tags MetricData payloads.
	KindMetric TelemetryKind = "metric"
)

// Kind implements TelemetryData.
func (TraceData) Kind() TelemetryKind { return KindTrace }

// Kind implements TelemetryData.
func (LogsData) Kind() TelemetryKind { return KindLogs }

// Kind implements TelemetryData.
func (MetricData) Kind() TelemetryKind { return KindMetric }

// MarshalTelemetryData serializes a payload into its discriminated envelope
// form, suitable for a JSONB column.
func MarshalTelemetryData(data TelemetryData) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownTelemetryKind)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", data.Kind(), err)
	}

	return json.Marshal(dataEnvelope{Kind: data.Kind(), Payload: payload})
}

// UnmarshalTelemetryData deserializes a discriminated envelope back into the
// concrete payload type tagged by its kind.
func UnmarshalTelemetryData(raw []byte) (TelemetryData, error) {
	var envelope dataEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telemetry envelope: %w", err)
	}

	return DecodeTelemetryPayload(envelope.Kind, envelope.Payload)
}

// DecodeTelemetryPayload deserializes a bare payload whose kind is known from
// context, e.g. rows returned by a source query of a given type.
func DecodeTelemetryPayload(kind TelemetryKind, payload json.RawMessage) (TelemetryData, error) {
	switch kind {
	case KindTrace:
		var data TraceData
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace payload: %w", err)
		}

		return data, nil
	case KindLogs:
		var data LogsData
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logs payload: %w", err)
		}

		return data, nil
	case KindMetric:
		var data MetricData
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metric payload: %w", err)
		}

		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTelemetryKind, kind)
	}
}
