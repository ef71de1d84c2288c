package usage

import (
	"fmt"
	"math"
	"time"
)

// Period is the open accounting window during which counters accumulate
// (value type). Counters are raw: seconds are never rounded at storage time.
type Period struct {
	ID                      string
	TenantID                string
	Start                   time.Time
	End                     time.Time
	CallsConsumed           int64
	DurationConsumedSeconds int64
	ArchivedAt              *time.Time // Set when the period is closed
	PrunedAt                *time.Time // Set when the idempotency rows were pruned
	UpdatedAt               time.Time
}

// IsOpen returns true if the period still accepts events.
func (p Period) IsOpen() bool {
	return p.ArchivedAt == nil
}

// With returns the period after counting e once. Counters that would
// overflow are refused with ErrInvalidEvent.
// This is a PURE function; it does not check idempotency.
func (p Period) With(e Event) (Period, error) {
	if e.DurationSeconds < 0 {
		return p, fmt.Errorf("%w: duration_seconds must be >= 0, got %d", ErrInvalidEvent, e.DurationSeconds)
	}
	if p.CallsConsumed == math.MaxInt64 || p.DurationConsumedSeconds > math.MaxInt64-e.DurationSeconds {
		return p, fmt.Errorf("%w: period %s counters would overflow", ErrInvalidEvent, p.ID)
	}
	p.CallsConsumed++
	p.DurationConsumedSeconds += e.DurationSeconds
	return p, nil
}

// MinutesUsed returns consumed duration rounded up to whole minutes.
func (p Period) MinutesUsed() int64 {
	return MinutesCeil(p.DurationConsumedSeconds)
}

// MinutesCeil rounds seconds up to the next whole minute.
// 60 seconds is 1 minute; 61 seconds is 2 minutes.
func MinutesCeil(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	m := seconds / 60
	if seconds%60 != 0 {
		m++
	}
	return m
}

// NewPeriod opens a zeroed period.
func NewPeriod(id, tenantID string, start, end time.Time) Period {
	return Period{
		ID:        id,
		TenantID:  tenantID,
		Start:     start,
		End:       end,
		UpdatedAt: start,
	}
}

// Audit summarizes the idempotency rows counted in one period.
type Audit struct {
	Events          int64
	DurationSeconds int64
}

// Consistent reports whether the period counters match the audit.
func (p Period) Consistent(a Audit) bool {
	return p.CallsConsumed == a.Events && p.DurationConsumedSeconds == a.DurationSeconds
}

// Summarize aggregates a set of applied events.
// This is a PURE function.
func Summarize(events []AppliedEvent) Audit {
	var a Audit
	for _, e := range events {
		a.Events++
		a.DurationSeconds += e.DurationSeconds
	}
	return a
}
