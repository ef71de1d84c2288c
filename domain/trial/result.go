package trial

import (
	"time"

	"github.com/artpar/trialgate/domain/limit"
)

// ErrorKind classifies a failed command for callers.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindConflict  ErrorKind = "conflict"  // Illegal transition; safe to ignore
	KindRetryable ErrorKind = "retryable" // Collaborator failed or timed out
	KindRejected  ErrorKind = "rejected"  // Definitive rejection; do not retry as is
	KindInvariant ErrorKind = "invariant" // Tenant frozen
	KindInvalid   ErrorKind = "invalid"   // Malformed input
	KindNotFound  ErrorKind = "not_found"
)

// ConversionResult is the outcome of a conversion command (value type).
type ConversionResult struct {
	Success          bool
	NewStatus        Status
	AlreadyConverted bool // Tenant was active before the command; billing untouched
	Pending          bool // Billing accepted but has not confirmed yet
	ErrorKind        ErrorKind
	Err              error
}

// Snapshot is the queryable block decision for one tenant (value type).
type Snapshot struct {
	TenantID          string
	Status            Status
	IsBlocked         bool
	BlockReason       BlockReason
	LimitingDimension limit.Dimension
	PercentUsed       float64
	WarningLevel      limit.WarningLevel
	CallsUsed         int64
	CallsLimit        int64
	MinutesUsed       int64
	MinutesLimit      int64
	DaysRemaining     int
	VariantKey        string
	PeriodID          string
	AsOf              time.Time
}

// NewSnapshot combines a tenant with the decision for its open period.
// This is a PURE function.
func NewSnapshot(t Tenant, periodID string, d limit.Decision, level limit.WarningLevel, now time.Time) Snapshot {
	s := Snapshot{
		TenantID:          t.ID,
		Status:            t.Status,
		IsBlocked:         t.Status == StatusBlocked || t.Status == StatusCanceled || t.Frozen,
		BlockReason:       t.BlockReason,
		LimitingDimension: d.Dimension,
		PercentUsed:       d.PercentUsed,
		WarningLevel:      level,
		CallsUsed:         d.CallsUsed,
		CallsLimit:        d.CallsLimit,
		MinutesUsed:       d.MinutesUsed,
		MinutesLimit:      d.MinutesLimit,
		DaysRemaining:     t.DaysRemaining(now),
		VariantKey:        t.VariantKey,
		PeriodID:          periodID,
		AsOf:              now,
	}
	if t.Status == StatusBlocked {
		switch t.BlockReason {
		case ReasonCallLimit:
			s.LimitingDimension = limit.DimensionCalls
		case ReasonDurationLimit:
			s.LimitingDimension = limit.DimensionDuration
		}
	}
	return s
}

// Fields flattens the snapshot for payloads and logs.
// This is a PURE function.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"tenant_id":          s.TenantID,
		"status":             string(s.Status),
		"is_blocked":         s.IsBlocked,
		"block_reason":       string(s.BlockReason),
		"limiting_dimension": string(s.LimitingDimension),
		"percent_used":       s.PercentUsed,
		"warning_level":      s.WarningLevel.String(),
		"calls_used":         s.CallsUsed,
		"calls_limit":        s.CallsLimit,
		"minutes_used":       s.MinutesUsed,
		"minutes_limit":      s.MinutesLimit,
		"days_remaining":     s.DaysRemaining,
		"variant_key":        s.VariantKey,
		"period_id":          s.PeriodID,
		"as_of":              s.AsOf.UTC().Format(time.RFC3339),
	}
}
