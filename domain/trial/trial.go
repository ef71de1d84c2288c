// Package trial provides the tenant lifecycle types and the pure trial
// state machine.
package trial

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/trialgate/domain/limit"
)

// ErrIllegalTransition is returned when an action is not permitted from
// the tenant's current status. It is a conflict, never fatal.
var ErrIllegalTransition = errors.New("illegal trial transition")

// Status represents the tenant's subscription state.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusBlocked  Status = "blocked"
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Valid returns true if s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusBlocked, StatusActive, StatusCanceled:
		return true
	}
	return false
}

// InTrial returns true if the tenant has not yet converted or canceled.
func (s Status) InTrial() bool {
	return s == StatusTrialing || s == StatusBlocked
}

// Terminal returns true if no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// BlockReason records why a tenant was blocked.
type BlockReason string

const (
	ReasonNone          BlockReason = ""
	ReasonCallLimit     BlockReason = "limit_calls"
	ReasonDurationLimit BlockReason = "limit_duration"
	ReasonTrialExpired  BlockReason = "trial_expired"
)

// ReasonFor maps a limiting dimension to a block reason.
func ReasonFor(d limit.Dimension) BlockReason {
	switch d {
	case limit.DimensionCalls:
		return ReasonCallLimit
	case limit.DimensionDuration:
		return ReasonDurationLimit
	default:
		return ReasonNone
	}
}

// IsLimit reports whether the tenant was blocked by a hard cap rather than
// by the end of the trial.
func (r BlockReason) IsLimit() bool {
	return r == ReasonCallLimit || r == ReasonDurationLimit
}

// Tenant is an account being metered (value type).
type Tenant struct {
	ID                string
	VariantKey        string
	Status            Status
	TrialPeriodEnd    time.Time
	BillingAccountRef string // Empty until first checkout
	BlockedAt         *time.Time
	BlockReason       BlockReason
	ConvertedAt       *time.Time
	CanceledAt        *time.Time
	Frozen            bool // Set on invariant violation; refuses all writes
	FrozenReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired returns true if the trial window has passed at now.
func (t Tenant) Expired(now time.Time) bool {
	return !t.TrialPeriodEnd.IsZero() && !now.Before(t.TrialPeriodEnd)
}

// AwaitsResolution reports whether an expired trial still needs the
// period-end decision. Tenants blocked on a cap wait only when their variant
// allows waiting for the automatic conversion.
func (t Tenant) AwaitsResolution(at time.Time, waits func(variantKey string) bool) bool {
	if t.Frozen || !t.Expired(at) {
		return false
	}
	switch t.Status {
	case StatusTrialing:
		return true
	case StatusBlocked:
		return t.BlockReason.IsLimit() && waits(t.VariantKey)
	}
	return false
}

// DaysRemaining returns whole days left in the trial, rounded up.
// Zero once the trial has ended or the tenant left the trial.
func (t Tenant) DaysRemaining(now time.Time) int {
	if !t.Status.InTrial() || t.Expired(now) {
		return 0
	}
	left := t.TrialPeriodEnd.Sub(now)
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// Action is a command or observation that may move a tenant between states.
type Action string

const (
	ActionLimitExceeded Action = "limit_exceeded" // Hard cap reached
	ActionExpire        Action = "expire"         // Trial ended without conversion
	ActionConvert       Action = "convert"        // Explicit convert-now
	ActionAutoConvert   Action = "auto_convert"   // Scheduled conversion at period end
	ActionCancel        Action = "cancel"
)

// Transition returns the status reached by applying act in from.
// This is a PURE function.
//
//	trialing --limit_exceeded|expire--> blocked
//	blocked --expire--> blocked (reason becomes trial_expired)
//	trialing|blocked --convert|auto_convert--> active
//	trialing|blocked --cancel--> canceled
func Transition(from Status, act Action) (Status, error) {
	switch act {
	case ActionLimitExceeded:
		if from == StatusTrialing {
			return StatusBlocked, nil
		}
	case ActionExpire:
		if from.InTrial() {
			return StatusBlocked, nil
		}
	case ActionConvert, ActionAutoConvert:
		if from.InTrial() {
			return StatusActive, nil
		}
	case ActionCancel:
		if from.InTrial() {
			return StatusCanceled, nil
		}
	default:
		return from, fmt.Errorf("%w: unknown action %q", ErrIllegalTransition, act)
	}
	return from, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, act, from)
}

// CanTransition reports whether act is permitted from.
func CanTransition(from Status, act Action) bool {
	_, err := Transition(from, act)
	return err == nil
}
