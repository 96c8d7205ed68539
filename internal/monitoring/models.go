// Package monitoring provides the domain models for the telemetry monitor:
// service owners (tenants), polled telemetry entities with their kind-specific
// payloads, and the alert entities driven by the alerter state machine.
package monitoring

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for domain model validation.
var (
	// ErrInvalidServiceOwner is returned when a service owner token is not a
	// lowercase alphanumeric string.
	ErrInvalidServiceOwner = errors.New("invalid service owner")

	// ErrUnknownTelemetryKind is returned when a telemetry payload carries an
	// unrecognized kind discriminator.
	ErrUnknownTelemetryKind = errors.New("unknown telemetry kind")

	// ErrInvalidAlertTransition is returned when an alert state transition
	// would move backwards.
	ErrInvalidAlertTransition = errors.New("invalid alert state transition")
)

type (
	// ServiceOwner is an opaque validated tenant identifier.
	//
	// Construct via NewServiceOwner; the zero value is not valid. Equality is
	// by underlying string, which makes ServiceOwner usable as a map key in
	// the orchestrator's worker registry.
	ServiceOwner string

	// TelemetryEntity is a single polled telemetry item as persisted in the
	// telemetry table.
	//
	// ID is the store-assigned surrogate key (zero until persisted). The
	// logical identity is (ServiceOwner, ExtID): a second ingestion attempt of
	// the same logical event never creates a second row, it increments
	// DupeCount on the first one.
	//
	// Seeded marks rows bulk-imported from a historical snapshot rather than
	// produced by live polling. Seeded rows never become alerts.
	TelemetryEntity struct {
		ID            int64
		ExtID         string
		ServiceOwner  ServiceOwner
		AppName       string
		AppVersion    string
		TimeGenerated time.Time
		TimeIngested  time.Time
		DupeCount     int
		Seeded        bool
		Data          TelemetryData
	}

	// AlertState is the per-telemetry-item alert workflow state.
	// States only advance forward: Pending -> Alerted -> Mitigated.
	AlertState string

	// AlertEntity tracks the notification workflow for one telemetry item.
	// At most one AlertEntity exists per TelemetryEntity.
	//
	// ExtID is the external reference returned by the notification channel;
	// it is set exactly once, when delivery first succeeds.
	AlertEntity struct {
		ID          string
		State       AlertState
		TelemetryID int64
		ExtID       *string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}
)

const (
	// AlertStatePending means no notification has been delivered yet.
	AlertStatePending AlertState = "pending"

	// AlertStateAlerted means the notification channel accepted the message.
	AlertStateAlerted AlertState = "alerted"

	// AlertStateMitigated is reserved for a future mitigation-detection step.
	AlertStateMitigated AlertState = "mitigated"
)

// NewServiceOwner validates and constructs a ServiceOwner.
// A valid token is non-empty lowercase alphanumeric ([a-z0-9]+).
func NewServiceOwner(s string) (ServiceOwner, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidServiceOwner)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "", fmt.Errorf("%w: %q is not lowercase alphanumeric", ErrInvalidServiceOwner, s)
		}
	}

	return ServiceOwner(s), nil
}

// String returns the underlying tenant token.
func (so ServiceOwner) String() string {
	return string(so)
}

// rank orders alert states for forward-only transition checks.
// Unknown states rank below Pending so they can never be transitioned into.
func (s AlertState) rank() int {
	switch s {
	case AlertStatePending:
		return 1
	case AlertStateAlerted:
		return 2
	case AlertStateMitigated:
		return 3
	default:
		return 0
	}
}

// IsValid checks if the AlertState is one of the known workflow states.
func (s AlertState) IsValid() bool {
	return s.rank() > 0
}

// IsTerminal returns true if the alerter sweep should no longer consider an
// alert in this state. Alerted is currently a terminal hold: the
// Alerted -> Mitigated step is reserved for future mitigation detection.
func (s AlertState) IsTerminal() bool {
	return s == AlertStateAlerted || s == AlertStateMitigated
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Same-state transitions are allowed (idempotent re-application).
func (s AlertState) CanTransition(next AlertState) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}

	return next.rank() == s.rank() || next.rank() == s.rank()+1
}

// Transition validates and applies a forward state change on the alert,
// bumping UpdatedAt. Backwards or skipping transitions are rejected.
func (a *AlertEntity) Transition(next AlertState, now time.Time) error {
	if !a.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAlertTransition, a.State, next)
	}

	a.State = next
	a.UpdatedAt = now

	return nil
}
