// Package limit provides pure functions for evaluating trial usage against
// a variant's dual caps (call count and call minutes).
// All functions are deterministic with no side effects.
package limit

import (
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/domain/variant"
)

// Dimension identifies which tracked quantity is closest to, or past, its cap.
type Dimension string

const (
	DimensionNone     Dimension = "none"
	DimensionCalls    Dimension = "calls"
	DimensionDuration Dimension = "duration"
)

// WarningLevel indicates how close to or over its cap a tenant is.
type WarningLevel int

const (
	WarningNone        WarningLevel = iota // below Approaching
	WarningApproaching                     // >= Thresholds.Approaching
	WarningCritical                        // >= Thresholds.Critical
	WarningExceeded                        // >= 100%
)

// String returns the string representation of a warning level.
func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningApproaching:
		return "approaching"
	case WarningCritical:
		return "critical"
	case WarningExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating a period (value type).
// It is derived from the counters and never stored on its own.
type Decision struct {
	// Exceeded is true only for hard variants that reached a cap.
	Exceeded bool
	// LimitReached is true when a cap is reached, regardless of behavior.
	LimitReached bool
	Dimension    Dimension
	PercentUsed  float64

	CallsUsed    int64
	CallsLimit   int64
	MinutesUsed  int64
	MinutesLimit int64
}

// Evaluate computes the block decision for a period under a variant.
// This is a PURE function and safe to call speculatively.
//
// When both caps are reached the dimension with the higher used/limit ratio
// wins; an exact tie resolves to calls. When neither cap is reached the same
// rule names the dimension closest to its cap, and none is reported for an
// untouched period.
func Evaluate(p usage.Period, v variant.Variant) Decision {
	d := Decision{
		CallsUsed:    p.CallsConsumed,
		CallsLimit:   v.CallLimit,
		MinutesUsed:  p.MinutesUsed(),
		MinutesLimit: usage.MinutesCeil(v.DurationLimitSeconds),
	}

	callsReached := d.CallsUsed >= d.CallsLimit
	durationReached := d.MinutesUsed >= d.MinutesLimit
	callsAhead := compareRatios(d.CallsUsed, d.CallsLimit, d.MinutesUsed, d.MinutesLimit) >= 0

	switch {
	case callsReached && durationReached:
		d.Dimension = pick(callsAhead)
	case callsReached:
		d.Dimension = DimensionCalls
	case durationReached:
		d.Dimension = DimensionDuration
	case d.CallsUsed == 0 && d.MinutesUsed == 0:
		d.Dimension = DimensionNone
	default:
		d.Dimension = pick(callsAhead)
	}

	if callsAhead {
		d.PercentUsed = percent(d.CallsUsed, d.CallsLimit)
	} else {
		d.PercentUsed = percent(d.MinutesUsed, d.MinutesLimit)
	}

	d.LimitReached = callsReached || durationReached
	d.Exceeded = d.LimitReached && v.IsHard()

	return d
}

// Preview evaluates the decision as if e had already been counted.
// This is a PURE function.
func Preview(p usage.Period, v variant.Variant, e usage.Event) (Decision, error) {
	next, err := p.With(e)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(next, v), nil
}

func pick(callsAhead bool) Dimension {
	if callsAhead {
		return DimensionCalls
	}
	return DimensionDuration
}

// compareRatios compares a/b with c/d exactly using cross-multiplication.
// Returns >0 if a/b is larger, <0 if c/d is larger, 0 on a tie.
func compareRatios(a, b, c, d int64) int {
	if b <= 0 || d <= 0 {
		return 0
	}
	left, right := a*d, c*b
	switch {
	case left > right:
		return 1
	case left < right:
		return -1
	default:
		return 0
	}
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used*100) / float64(limit)
}

// Thresholds configures the warning levels (percentages of a cap).
type Thresholds struct {
	Approaching float64
	Critical    float64
}

// DefaultThresholds warns at 70% and 90% of a cap.
func DefaultThresholds() Thresholds {
	return Thresholds{Approaching: 70, Critical: 90}
}

// Level classifies a decision's percentage.
// This is a PURE function.
func (t Thresholds) Level(d Decision) WarningLevel {
	switch {
	case d.LimitReached || d.PercentUsed >= 100:
		return WarningExceeded
	case d.PercentUsed >= t.Critical:
		return WarningCritical
	case d.PercentUsed >= t.Approaching:
		return WarningApproaching
	default:
		return WarningNone
	}
}
