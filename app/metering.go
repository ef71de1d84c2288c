package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/trialgate/domain/limit"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

// Event results reported to metrics.
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFrozen    = "frozen"
	resultError     = "error"
)

// MeteringService enrolls tenants and meters their usage.
type MeteringService struct {
	*core
	recent *expirable.LRU[string, struct{}]
}

// NewMeteringService creates a metering service.
func NewMeteringService(deps Deps, cfg Config) *MeteringService {
	s := &MeteringService{core: newCore(deps, cfg)}
	if s.cfg.DuplicateCacheSize > 0 {
		s.recent = expirable.NewLRU[string, struct{}](s.cfg.DuplicateCacheSize, nil, s.cfg.DuplicateCacheTTL)
	}
	return s
}

// StartTrialRequest enrolls a tenant.
type StartTrialRequest struct {
	TenantID string
	// VariantKey selects the variant. Empty assigns one by weight.
	VariantKey        string
	BillingAccountRef string
}

// StartTrial creates a trialing tenant with its first period.
func (s *MeteringService) StartTrial(ctx context.Context, req StartTrialRequest) (trial.Snapshot, error) {
	if req.TenantID == "" {
		return trial.Snapshot{}, invalidf("tenant id is required")
	}

	table := s.variants.Table()
	v := table.Pick(req.TenantID)
	if req.VariantKey != "" {
		var ok bool
		if v, ok = table.Lookup(req.VariantKey); !ok {
			return trial.Snapshot{}, invalidf("unknown variant %q", req.VariantKey)
		}
	}

	now := s.clock.Now().UTC()
	t := trial.Tenant{
		ID:                req.TenantID,
		VariantKey:        v.Key,
		Status:            trial.StatusTrialing,
		TrialPeriodEnd:    now.AddDate(0, 0, v.TrialPeriodDays),
		BillingAccountRef: req.BillingAccountRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p := usage.NewPeriod(s.idGen.New(), t.ID, now, t.TrialPeriodEnd)

	if err := s.store.Create(ctx, t, p); err != nil {
		return trial.Snapshot{}, fmt.Errorf("start trial %s: %w", t.ID, err)
	}

	s.logger.Info().
		Str("tenant_id", t.ID).
		Str("variant", v.Key).
		Str("period_id", p.ID).
		Time("trial_period_end", t.TrialPeriodEnd).
		Msg("trial started")
	return s.snapshot(t, p, now), nil
}

// UsageResult is the outcome of recording one event.
type UsageResult struct {
	// Applied is false for a duplicate delivery.
	Applied bool
	Period  usage.Period
	// Decision is evaluated after the event; trial caps only apply while
	// the tenant is in trial.
	Decision limit.Decision
	Snapshot trial.Snapshot
	// Transitioned is true if this call blocked the tenant.
	Transitioned bool
}

// RecordUsage counts e exactly once and blocks the tenant when a hard cap
// is reached. Duplicates succeed with Applied false.
func (s *MeteringService) RecordUsage(ctx context.Context, e usage.Event) (UsageResult, error) {
	if err := e.Validate(); err != nil {
		s.metrics.ObserveEvent(resultRejected)
		return UsageResult{}, err
	}

	if s.seenRecently(e) {
		s.metrics.ObserveEvent(resultDuplicate)
		return s.duplicateResult(ctx, e)
	}

	unlock, err := s.lock(ctx, e.TenantID)
	if err != nil {
		s.metrics.ObserveEvent(resultError)
		return UsageResult{}, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, e.TenantID)
	if err != nil {
		s.metrics.ObserveEvent(resultRejected)
		return UsageResult{}, err
	}
	switch {
	case t.Frozen:
		s.metrics.ObserveEvent(resultFrozen)
		return UsageResult{}, fmt.Errorf("tenant %s: %w", t.ID, ports.ErrTenantFrozen)
	case t.Status == trial.StatusCanceled:
		s.metrics.ObserveEvent(resultRejected)
		return UsageResult{}, fmt.Errorf("tenant %s is canceled: %w", t.ID, ports.ErrPeriodClosed)
	}

	open, err := s.store.OpenPeriod(ctx, t.ID)
	if err != nil {
		s.metrics.ObserveEvent(resultError)
		return UsageResult{}, err
	}

	now := s.clock.Now().UTC()
	p, applied, err := s.store.Apply(ctx, open.ID, e, now)
	switch {
	case errors.Is(err, ports.ErrInvariantViolation):
		s.metrics.ObserveEvent(resultFrozen)
		s.freeze(ctx, t, err)
		return UsageResult{}, err
	case errors.Is(err, ports.ErrTenantFrozen):
		s.metrics.ObserveEvent(resultFrozen)
		return UsageResult{}, err
	case errors.Is(err, usage.ErrInvalidEvent):
		s.metrics.ObserveEvent(resultRejected)
		return UsageResult{}, err
	case err != nil:
		s.metrics.ObserveEvent(resultError)
		return UsageResult{}, err
	}

	if applied {
		s.metrics.ObserveEvent(resultApplied)
		s.remember(e)
	} else {
		s.metrics.ObserveEvent(resultDuplicate)
	}

	res := UsageResult{Applied: applied, Period: p}
	res.Decision, _ = s.decide(t, p)

	// A duplicate still blocks: an earlier delivery may have counted the
	// event and failed before the transition.
	if t.Status == trial.StatusTrialing && res.Decision.Exceeded {
		blocked, err := s.transition(ctx, t, trial.ActionLimitExceeded, trial.ReasonFor(res.Decision.Dimension), "", nil, now)
		if err != nil {
			res.Snapshot = s.snapshot(t, p, now)
			return res, err
		}
		t = blocked
		res.Transitioned = true
		res.Snapshot = s.snapshot(t, p, now)
		s.publish(ctx, ports.EventTenantBlocked, res.Snapshot)
		return res, nil
	}

	res.Snapshot = s.snapshot(t, p, now)
	if applied {
		s.warnOnCrossing(ctx, t, open, res.Snapshot)
	}
	return res, nil
}

// warnOnCrossing publishes a warning when the event moved the tenant into
// a higher warning level.
func (s *MeteringService) warnOnCrossing(ctx context.Context, t trial.Tenant, before usage.Period, snap trial.Snapshot) {
	if !t.Status.InTrial() || snap.WarningLevel == limit.WarningNone {
		return
	}
	prev, _ := s.decide(t, before)
	if s.cfg.Thresholds.Level(prev) >= snap.WarningLevel {
		return
	}
	s.metrics.ObserveWarning(snap.WarningLevel.String())
	s.publish(ctx, ports.EventUsageWarning, snap)
}

func recentKey(e usage.Event) string {
	return e.TenantID + "\x00" + e.ID
}

func (s *MeteringService) seenRecently(e usage.Event) bool {
	if s.recent == nil {
		return false
	}
	return s.recent.Contains(recentKey(e))
}

func (s *MeteringService) remember(e usage.Event) {
	if s.recent != nil {
		s.recent.Add(recentKey(e), struct{}{})
	}
}

// duplicateResult answers a cached duplicate from a plain read without
// taking the tenant lock.
func (s *MeteringService) duplicateResult(ctx context.Context, e usage.Event) (UsageResult, error) {
	t, err := s.store.Get(ctx, e.TenantID)
	if err != nil {
		return UsageResult{}, err
	}
	p, err := s.currentPeriod(ctx, t)
	if err != nil {
		return UsageResult{}, err
	}
	now := s.clock.Now().UTC()
	d, _ := s.decide(t, p)
	return UsageResult{
		Period:   p,
		Decision: d,
		Snapshot: s.snapshot(t, p, now),
	}, nil
}

// BatchResult is the outcome of one event in a batch.
type BatchResult struct {
	EventID string
	Result  UsageResult
	Err     error
}

// RecordBatch records events of different tenants concurrently. Events of
// one tenant are recorded in the given order. Results follow input order.
func (s *MeteringService) RecordBatch(ctx context.Context, events []usage.Event) ([]BatchResult, error) {
	results := make([]BatchResult, len(events))

	groups := make(map[string][]int)
	var order []string
	for i, e := range events {
		results[i].EventID = e.ID
		if _, ok := groups[e.TenantID]; !ok {
			order = append(order, e.TenantID)
		}
		groups[e.TenantID] = append(groups[e.TenantID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)
	for _, tenantID := range order {
		idx := groups[tenantID]
		g.Go(func() error {
			for _, i := range idx {
				if err := gctx.Err(); err != nil {
					results[i].Err = err
					continue
				}
				results[i].Result, results[i].Err = s.RecordUsage(gctx, events[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// PreviewResult compares the current decision with the decision after one
// more event.
type PreviewResult struct {
	Current    limit.Decision
	Next       limit.Decision
	WouldBlock bool
	Snapshot   trial.Snapshot
}

// Preview evaluates an event of durationSeconds without recording it.
func (s *MeteringService) Preview(ctx context.Context, tenantID string, durationSeconds int64) (PreviewResult, error) {
	if durationSeconds < 0 || durationSeconds > usage.MaxDurationSeconds {
		return PreviewResult{}, invalidf("duration_seconds must be between 0 and %d, got %d", usage.MaxDurationSeconds, durationSeconds)
	}

	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return PreviewResult{}, err
	}
	p, err := s.currentPeriod(ctx, t)
	if err != nil {
		return PreviewResult{}, err
	}

	now := s.clock.Now().UTC()
	cur, v := s.decide(t, p)
	res := PreviewResult{Current: cur, Next: cur, Snapshot: s.snapshot(t, p, now)}

	e := usage.Event{TenantID: t.ID, DurationSeconds: durationSeconds}
	switch t.Status {
	case trial.StatusTrialing:
		if res.Next, err = limit.Preview(p, v, e); err != nil {
			return PreviewResult{}, err
		}
		res.WouldBlock = res.Next.Exceeded || t.Frozen
	case trial.StatusBlocked, trial.StatusCanceled:
		res.WouldBlock = true
	default:
		projected, err := p.With(e)
		if err != nil {
			return PreviewResult{}, err
		}
		res.Next, _ = s.decide(t, projected)
		res.WouldBlock = t.Frozen
	}
	return res, nil
}
