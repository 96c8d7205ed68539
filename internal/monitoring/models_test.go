package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceOwner(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid lowercase", token: "skd", wantErr: false},
		{name: "valid alphanumeric", token: "nav2", wantErr: false},
		{name: "empty", token: "", wantErr: true},
		{name: "uppercase rejected", token: "SKD", wantErr: true},
		{name: "whitespace rejected", token: "s kd", wantErr: true},
		{name: "punctuation rejected", token: "skd-test", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, err := NewServiceOwner(tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidServiceOwner)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.token, owner.String())
		})
	}
}

func TestAlertStateCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from AlertState
		to   AlertState
		want bool
	}{
		{name: "pending to alerted", from: AlertStatePending, to: AlertStateAlerted, want: true},
		{name: "alerted to mitigated", from: AlertStateAlerted, to: AlertStateMitigated, want: true},
		{name: "pending to pending is idempotent", from: AlertStatePending, to: AlertStatePending, want: true},
		{name: "pending cannot skip to mitigated", from: AlertStatePending, to: AlertStateMitigated, want: false},
		{name: "alerted cannot regress", from: AlertStateAlerted, to: AlertStatePending, want: false},
		{name: "mitigated cannot regress", from: AlertStateMitigated, to: AlertStateAlerted, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestAlertStateIsTerminal(t *testing.T) {
	assert.False(t, AlertStatePending.IsTerminal())
	assert.True(t, AlertStateAlerted.IsTerminal())
	assert.True(t, AlertStateMitigated.IsTerminal())
}

func TestAlertEntityTransition(t *testing.T) {
	now := time.Now().UTC()
	alert := AlertEntity{
		ID:        "a1",
		State:     AlertStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	later := now.Add(time.Minute)

	require.NoError(t, alert.Transition(AlertStateAlerted, later))
	assert.Equal(t, AlertStateAlerted, alert.State)
	assert.Equal(t, later, alert.UpdatedAt)

	err := alert.Transition(AlertStatePending, later.Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalidAlertTransition)
	assert.Equal(t, AlertStateAlerted, alert.State, "failed transition must not mutate state")
}

func TestTelemetryDataRoundTrip(t *testing.T) {
	original := TraceData{
		TraceID:  "trace-1",
		SpanID:   "span-1",
		Name:     "POST /instances",
		Duration: 1500 * time.Millisecond,
		Success:  false,
		Result:   "500",
	}

	raw, err := MarshalTelemetryData(original)
	require.NoError(t, err)

	decoded, err := UnmarshalTelemetryData(raw)
	require.NoError(t, err)

	trace, ok := decoded.(TraceData)
	require.True(t, ok, "expected TraceData, got %T", decoded)
	assert.Equal(t, original, trace)
}

func TestUnmarshalTelemetryDataUnknownKind(t *testing.T) {
	_, err := UnmarshalTelemetryData([]byte(`{"kind":"profile","payload":{}}`))
	require.ErrorIs(t, err, ErrUnknownTelemetryKind)
}

func TestMarshalTelemetryDataNil(t *testing.T) {
	_, err := MarshalTelemetryData(nil)
	require.ErrorIs(t, err, ErrUnknownTelemetryKind)
}

func TestDecodeTelemetryPayload(t *testing.T) {
	data, err := DecodeTelemetryPayload(KindLogs, []byte(`{"message":"boom"}`))
	require.NoError(t, err)

	logs, ok := data.(LogsData)
	require.True(t, ok)
	assert.Equal(t, "boom", logs.Message)

	_, err = DecodeTelemetryPayload(TelemetryKind("bogus"), []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownTelemetryKind)
}
