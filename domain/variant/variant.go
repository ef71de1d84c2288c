// Package variant provides trial variant configuration and resolution.
// All functions are pure - a Table is immutable once built.
package variant

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
)

// ErrConfig is returned when the variant configuration is malformed.
// It is fatal at startup and never produced by per-tenant resolution.
var ErrConfig = errors.New("invalid variant configuration")

// Behavior determines what happens when a trial cap is reached.
type Behavior string

const (
	BehaviorHard Behavior = "hard" // Block service on breach
	BehaviorSoft Behavior = "soft" // Only report usage level
)

// Variant is a named bundle of trial limits (immutable value type).
type Variant struct {
	Key                     string
	CallLimit               int64
	DurationLimitSeconds    int64
	TrialPeriodDays         int
	AllowWaitForAutoConvert bool
	Behavior                Behavior
	Weight                  int // Relative share for A/B assignment (0 = never picked)
}

// IsHard returns true if the variant blocks on breach.
func (v Variant) IsHard() bool {
	return v.Behavior != BehaviorSoft
}

// Validate checks the variant's own fields.
func (v Variant) Validate() error {
	if v.Key == "" {
		return fmt.Errorf("%w: variant key is required", ErrConfig)
	}
	if v.CallLimit < 1 {
		return fmt.Errorf("%w: variant %q: call_limit must be >= 1", ErrConfig, v.Key)
	}
	if v.DurationLimitSeconds < 1 {
		return fmt.Errorf("%w: variant %q: duration_limit_seconds must be >= 1", ErrConfig, v.Key)
	}
	if v.TrialPeriodDays < 1 {
		return fmt.Errorf("%w: variant %q: trial_period_days must be >= 1", ErrConfig, v.Key)
	}
	switch v.Behavior {
	case BehaviorHard, BehaviorSoft:
	default:
		return fmt.Errorf("%w: variant %q: behavior must be 'hard' or 'soft', got %q", ErrConfig, v.Key, v.Behavior)
	}
	if v.Weight < 0 {
		return fmt.Errorf("%w: variant %q: weight must be >= 0", ErrConfig, v.Key)
	}
	return nil
}

// Table is a versioned, immutable set of variants with a default.
// Build a new Table to change configuration; never mutate one in place.
type Table struct {
	version     string
	defaultKey  string
	variants    map[string]Variant
	keys        []string // sorted, for deterministic weighted picks
	totalWeight int
}

// NewTable validates the variants and builds a Table.
func NewTable(version, defaultKey string, variants []Variant) (*Table, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: at least one variant is required", ErrConfig)
	}

	t := &Table{
		version:    version,
		defaultKey: defaultKey,
		variants:   make(map[string]Variant, len(variants)),
	}

	for _, v := range variants {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.variants[v.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate variant key %q", ErrConfig, v.Key)
		}
		t.variants[v.Key] = v
		t.keys = append(t.keys, v.Key)
		t.totalWeight += v.Weight
	}
	sort.Strings(t.keys)

	if defaultKey == "" {
		return nil, fmt.Errorf("%w: default variant key is required", ErrConfig)
	}
	if _, ok := t.variants[defaultKey]; !ok {
		return nil, fmt.Errorf("%w: default variant %q is not defined", ErrConfig, defaultKey)
	}

	return t, nil
}

// Version returns the configuration version the table was built from.
func (t *Table) Version() string {
	return t.version
}

// Default returns the fallback variant.
func (t *Table) Default() Variant {
	return t.variants[t.defaultKey]
}

// Lookup returns the variant for key, if defined.
func (t *Table) Lookup(key string) (Variant, bool) {
	v, ok := t.variants[key]
	return v, ok
}

// Resolve maps a tenant's recorded variant key to a variant.
// Unknown or empty keys fall back to the default. This is a PURE function.
func (t *Table) Resolve(key string) Variant {
	if v, ok := t.variants[key]; ok {
		return v
	}
	return t.Default()
}

// Keys returns all variant keys in sorted order.
func (t *Table) Keys() []string {
	return append([]string(nil), t.keys...)
}

// Len returns the number of variants.
func (t *Table) Len() int {
	return len(t.variants)
}

// Pick deterministically assigns a tenant to a variant using the static
// weight distribution. The same tenant ID always maps to the same variant
// for a given table. With no weights configured, the default is returned.
func (t *Table) Pick(tenantID string) Variant {
	if t.totalWeight <= 0 {
		return t.Default()
	}

	h := fnv.New32a()
	h.Write([]byte(tenantID))
	slot := int(h.Sum32() % uint32(t.totalWeight))

	for _, k := range t.keys {
		v := t.variants[k]
		if slot < v.Weight {
			return v
		}
		slot -= v.Weight
	}
	return t.Default()
}
