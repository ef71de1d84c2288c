// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/trialgate/domain/billing"
	"github.com/artpar/trialgate/domain/limit"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/domain/variant"
	"github.com/artpar/trialgate/ports"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest is returned for malformed commands.
var ErrInvalidRequest = errors.New("invalid request")

// VariantSource supplies the current variant table. The table may be
// swapped between calls but is never mutated in place.
type VariantSource interface {
	Table() *variant.Table
}

// StaticVariants is a VariantSource that never changes.
type StaticVariants struct {
	T *variant.Table
}

// Table returns the fixed table.
func (s StaticVariants) Table() *variant.Table {
	return s.T
}

// Deps contains dependencies shared by the trial services.
type Deps struct {
	Store     ports.Store
	Locker    ports.TenantLocker
	Billing   ports.BillingProvider
	Publisher ports.DecisionPublisher
	Variants  VariantSource
	Clock     ports.Clock
	IDGen     ports.IDGenerator
	Metrics   ports.Metrics
	Logger    zerolog.Logger
}

// Config contains tuning for the trial services.
type Config struct {
	Thresholds limit.Thresholds

	// LockTimeout bounds the wait for a tenant lock.
	LockTimeout time.Duration

	// BillingTimeout bounds each billing call. The tenant lock is held
	// across it.
	BillingTimeout time.Duration

	// PaidPeriod is the length of a period opened on conversion when the
	// provider does not report one.
	PaidPeriod time.Duration

	// DuplicateCacheSize and DuplicateCacheTTL size the fast path for
	// recently applied events. Zero size disables it.
	DuplicateCacheSize int
	DuplicateCacheTTL  time.Duration

	// BatchConcurrency bounds how many tenants a batch processes at once.
	BatchConcurrency int

	// ExpireBatchSize bounds how many expired trials one sweep handles.
	ExpireBatchSize int

	// AppliedEventTTL is how long idempotency rows outlive their period.
	AppliedEventTTL time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Thresholds:         limit.DefaultThresholds(),
		LockTimeout:        5 * time.Second,
		BillingTimeout:     20 * time.Second,
		PaidPeriod:         30 * 24 * time.Hour,
		DuplicateCacheSize: 10000,
		DuplicateCacheTTL:  10 * time.Minute,
		BatchConcurrency:   8,
		ExpireBatchSize:    100,
		AppliedEventTTL:    720 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Thresholds == (limit.Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.BillingTimeout <= 0 {
		c.BillingTimeout = d.BillingTimeout
	}
	if c.PaidPeriod <= 0 {
		c.PaidPeriod = d.PaidPeriod
	}
	if c.DuplicateCacheTTL <= 0 {
		c.DuplicateCacheTTL = d.DuplicateCacheTTL
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = d.ExpireBatchSize
	}
	if c.AppliedEventTTL <= 0 {
		c.AppliedEventTTL = d.AppliedEventTTL
	}
	return c
}

// core holds what every service needs: the tenant lock, state transitions,
// snapshots and decision publishing.
type core struct {
	store     ports.Store
	locker    ports.TenantLocker
	billing   ports.BillingProvider
	publisher ports.DecisionPublisher
	variants  VariantSource
	clock     ports.Clock
	idGen     ports.IDGenerator
	metrics   ports.Metrics
	logger    zerolog.Logger
	cfg       Config
}

func newCore(deps Deps, cfg Config) *core {
	c := &core{
		store:     deps.Store,
		locker:    deps.Locker,
		billing:   deps.Billing,
		publisher: deps.Publisher,
		variants:  deps.Variants,
		clock:     deps.Clock,
		idGen:     deps.IDGen,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg.withDefaults(),
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	return c
}

// lock acquires the tenant lock, bounded by the configured timeout.
func (c *core) lock(ctx context.Context, tenantID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := c.locker.Lock(lctx, tenantID)
	c.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// decide evaluates a tenant's period. Active and canceled tenants are
// never evaluated against trial caps.
func (c *core) decide(t trial.Tenant, p usage.Period) (limit.Decision, variant.Variant) {
	v := c.variants.Table().Resolve(t.VariantKey)
	if t.Status.InTrial() {
		return limit.Evaluate(p, v), v
	}
	return limit.Decision{
		Dimension:   limit.DimensionNone,
		CallsUsed:   p.CallsConsumed,
		MinutesUsed: p.MinutesUsed(),
	}, v
}

func (c *core) snapshot(t trial.Tenant, p usage.Period, now time.Time) trial.Snapshot {
	d, _ := c.decide(t, p)
	return trial.NewSnapshot(t, p.ID, d, c.cfg.Thresholds.Level(d), now)
}

// currentPeriod returns the open period, or the latest one for a tenant
// whose periods are all archived.
func (c *core) currentPeriod(ctx context.Context, t trial.Tenant) (usage.Period, error) {
	p, err := c.store.OpenPeriod(ctx, t.ID)
	if err == nil || !errors.Is(err, ports.ErrNotFound) {
		return p, err
	}
	history, herr := c.store.History(ctx, t.ID)
	if herr != nil {
		return usage.Period{}, herr
	}
	if len(history) == 0 {
		return usage.Period{}, err
	}
	return history[0], nil
}

// transition applies act to t, atomically archiving closeID and opening
// next when given. The caller holds the tenant lock.
func (c *core) transition(ctx context.Context, t trial.Tenant, act trial.Action, reason trial.BlockReason, closeID string, next *usage.Period, now time.Time) (trial.Tenant, error) {
	to, err := trial.Transition(t.Status, act)
	if err != nil {
		return t, err
	}

	updated, err := c.store.Transition(ctx, ports.StateChange{
		TenantID:      t.ID,
		From:          t.Status,
		To:            to,
		Reason:        reason,
		ClosePeriodID: closeID,
		Next:          next,
		At:            now,
	})
	if err != nil {
		return t, err
	}

	c.metrics.ObserveTransition(string(t.Status), string(to), string(reason))
	c.logger.Info().
		Str("tenant_id", t.ID).
		Str("from", string(t.Status)).
		Str("to", string(to)).
		Str("action", string(act)).
		Str("reason", string(reason)).
		Msg("trial state changed")
	return updated, nil
}

// freeze marks the tenant frozen after an invariant violation. Further
// writes are refused until an operator intervenes.
func (c *core) freeze(ctx context.Context, t trial.Tenant, cause error) {
	now := c.clock.Now()
	c.metrics.ObserveInvariantViolation()
	c.logger.Error().Err(cause).
		Str("tenant_id", t.ID).
		Msg("ledger invariant violated, freezing tenant")

	if err := c.store.Freeze(ctx, t.ID, cause.Error(), now); err != nil {
		c.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("failed to freeze tenant")
		return
	}
	t.Frozen = true
	t.FrozenReason = cause.Error()
	c.publish(ctx, ports.EventTenantFrozen, trial.NewSnapshot(t, "", limit.Decision{Dimension: limit.DimensionNone}, limit.WarningNone, now))
}

// publish delivers a decision. Failures are logged; the state change that
// produced the snapshot stands.
func (c *core) publish(ctx context.Context, eventType string, snap trial.Snapshot) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, eventType, snap); err != nil {
		c.logger.Warn().Err(err).
			Str("tenant_id", snap.TenantID).
			Str("event_type", eventType).
			Msg("failed to publish decision")
	}
}

// newPaidPeriod opens the first period after conversion.
func (c *core) newPaidPeriod(tenantID string, sub billing.Subscription, now time.Time) *usage.Period {
	end := now.Add(c.cfg.PaidPeriod)
	if sub.CurrentPeriodEnd.After(now) {
		end = sub.CurrentPeriodEnd.UTC()
	}
	p := usage.NewPeriod(c.idGen.New(), tenantID, now, end)
	return &p
}

// Kind classifies an error returned by any service.
func Kind(err error) trial.ErrorKind {
	switch {
	case err == nil:
		return trial.KindNone
	case errors.Is(err, ports.ErrNotFound):
		return trial.KindNotFound
	case errors.Is(err, ports.ErrTenantFrozen), errors.Is(err, ports.ErrInvariantViolation):
		return trial.KindInvariant
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, usage.ErrInvalidEvent):
		return trial.KindInvalid
	case errors.Is(err, trial.ErrIllegalTransition), errors.Is(err, ports.ErrConflict),
		errors.Is(err, ports.ErrPeriodClosed), errors.Is(err, ports.ErrDuplicate):
		return trial.KindConflict
	case errors.Is(err, billing.ErrRejected):
		return trial.KindRejected
	default:
		return trial.KindRetryable
	}
}

func failed(status trial.Status, err error) trial.ConversionResult {
	return trial.ConversionResult{
		NewStatus: status,
		ErrorKind: Kind(err),
		Err:       err,
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type nopMetrics struct{}

func (nopMetrics) ObserveEvent(string) {}
func (nopMetrics) ObserveWarning(string) {}
func (nopMetrics) ObserveInvariantViolation() {}
func (nopMetrics) ObserveLockWait(time.Duration) {}
func (nopMetrics) ObserveTransition(string, string, string) {}
func (nopMetrics) ObserveConversion(string, string) {}
func (nopMetrics) ObserveBilling(string, string, time.Duration) {}
func (nopMetrics) ObserveSweep(string, error) {}
func (nopMetrics) ObservePruned(int64) {}
