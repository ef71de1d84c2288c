// Package usage provides usage event and period types and pure functions
// for metering call consumption.
package usage

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned when an event fails validation.
var ErrInvalidEvent = errors.New("invalid usage event")

// MaxDurationSeconds is the longest single call accepted: 24 hours.
const MaxDurationSeconds int64 = 24 * 60 * 60

// Event is a completed billable call reported by the voice provider
// (immutable value type). Delivery is at-least-once.
type Event struct {
	ID              string // Globally unique per billable occurrence (external call ID)
	TenantID        string
	DurationSeconds int64
	// HasPriorUsage marks calls that already produced a business outcome
	// (e.g. a booking). It never excludes the call from metering.
	HasPriorUsage bool
	OccurredAt    time.Time
}

// Validate checks the event's fields.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidEvent)
	}
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidEvent)
	}
	if e.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration_seconds must be >= 0, got %d", ErrInvalidEvent, e.DurationSeconds)
	}
	if e.DurationSeconds > MaxDurationSeconds {
		return fmt.Errorf("%w: duration_seconds must be <= %d, got %d", ErrInvalidEvent, MaxDurationSeconds, e.DurationSeconds)
	}
	return nil
}

// AppliedEvent is one entry of a tenant's idempotency index.
type AppliedEvent struct {
	TenantID        string
	EventID         string
	PeriodID        string
	DurationSeconds int64
	HasPriorUsage   bool
	AppliedAt       time.Time
}

// FromEvent builds the index entry recorded when e is counted in periodID.
func FromEvent(e Event, periodID string, at time.Time) AppliedEvent {
	return AppliedEvent{
		TenantID:        e.TenantID,
		EventID:         e.ID,
		PeriodID:        periodID,
		DurationSeconds: e.DurationSeconds,
		HasPriorUsage:   e.HasPriorUsage,
		AppliedAt:       at,
	}
}
