package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/trialgate/domain/billing"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
)

// Conversion modes reported to metrics.
const (
	modeNow  = "now"
	modeAuto = "auto"
)

var errNoBillingAccount = errors.New("no billing account on file")

// ConversionService converts, expires and cancels trials.
// Every command holds the tenant lock for its whole duration, including
// the billing call.
type ConversionService struct {
	*core
}

// NewConversionService creates a conversion service.
func NewConversionService(deps Deps, cfg Config) *ConversionService {
	return &ConversionService{core: newCore(deps, cfg)}
}

// ConvertNow ends the trial immediately and starts the paid period.
// An active tenant is reported as already converted without calling
// billing. On failure nothing changes locally and the command is safe to
// retry.
func (s *ConversionService) ConvertNow(ctx context.Context, tenantID string) trial.ConversionResult {
	res := s.convertNow(ctx, tenantID)
	s.metrics.ObserveConversion(modeNow, outcomeOf(res))
	return res
}

func (s *ConversionService) convertNow(ctx context.Context, tenantID string) trial.ConversionResult {
	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return failed("", err)
	}
	defer unlock()

	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return failed("", err)
	}
	if res, done := s.precheck(t, trial.ActionConvert); done {
		return res
	}
	if t.BillingAccountRef == "" {
		return failed(t.Status, billing.Rejected(errNoBillingAccount))
	}

	p, err := s.store.OpenPeriod(ctx, t.ID)
	if err != nil {
		return failed(t.Status, err)
	}
	sub, err := s.charge(ctx, t, p)
	if err != nil {
		return s.conversionFailed(ctx, t, p, err)
	}
	return s.activate(ctx, t, p, sub, trial.ActionConvert)
}

// AutoConvertAtPeriodEnd resolves a trial whose period has ended.
// If the variant allows waiting, billing is asked to convert, also for a
// tenant already blocked on a cap; a definitive rejection, a missing billing
// account or a variant that does not wait leaves the tenant blocked with
// reason trial_expired. Transient failures and pending confirmations leave
// the tenant unchanged for the next attempt.
func (s *ConversionService) AutoConvertAtPeriodEnd(ctx context.Context, tenantID string) trial.ConversionResult {
	res := s.autoConvert(ctx, tenantID)
	s.metrics.ObserveConversion(modeAuto, outcomeOf(res))
	return res
}

func (s *ConversionService) autoConvert(ctx context.Context, tenantID string) trial.ConversionResult {
	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return failed("", err)
	}
	defer unlock()

	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return failed("", err)
	}
	if res, done := s.precheck(t, trial.ActionAutoConvert); done {
		return res
	}

	now := s.clock.Now().UTC()
	if !t.Expired(now) {
		return failed(t.Status, fmt.Errorf("%w: trial of %s ends at %s", trial.ErrIllegalTransition, t.ID, t.TrialPeriodEnd.Format(time.RFC3339)))
	}

	v := s.variants.Table().Resolve(t.VariantKey)
	switch {
	case !v.AllowWaitForAutoConvert:
		return s.expire(ctx, t, billing.Rejected(fmt.Errorf("variant %s does not auto-convert", v.Key)))
	case t.BillingAccountRef == "":
		return s.expire(ctx, t, billing.Rejected(errNoBillingAccount))
	}

	p, err := s.store.OpenPeriod(ctx, t.ID)
	if err != nil {
		return failed(t.Status, err)
	}
	sub, err := s.charge(ctx, t, p)
	switch {
	case errors.Is(err, billing.ErrRejected):
		s.conversionFailed(ctx, t, p, err)
		return s.expire(ctx, t, err)
	case err != nil:
		return s.conversionFailed(ctx, t, p, err)
	}
	return s.activate(ctx, t, p, sub, trial.ActionAutoConvert)
}

// precheck handles tenants that must not reach billing.
func (s *ConversionService) precheck(t trial.Tenant, act trial.Action) (trial.ConversionResult, bool) {
	switch {
	case t.Frozen:
		return failed(t.Status, fmt.Errorf("tenant %s: %w", t.ID, ports.ErrTenantFrozen)), true
	case t.Status == trial.StatusActive:
		return trial.ConversionResult{Success: true, NewStatus: trial.StatusActive, AlreadyConverted: true}, true
	}
	if _, err := trial.Transition(t.Status, act); err != nil {
		return failed(t.Status, err), true
	}
	return trial.ConversionResult{}, false
}

// charge asks billing to end the trial now. The idempotency key is stable
// for the tenant's open period so a retried command is deduplicated.
func (s *ConversionService) charge(ctx context.Context, t trial.Tenant, p usage.Period) (billing.Subscription, error) {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BillingTimeout)
	defer cancel()

	start := time.Now()
	sub, err := s.billing.ConvertTrial(bctx, t.BillingAccountRef, billing.IdempotencyKey(t.ID, p.ID))
	if err == nil {
		err = billing.Confirm(sub)
	}
	s.metrics.ObserveBilling(s.billing.Name(), billingOutcome(err), time.Since(start))
	return sub, err
}

// activate records a confirmed conversion: status active, trial period
// archived and a fresh paid period opened in one write.
func (s *ConversionService) activate(ctx context.Context, t trial.Tenant, p usage.Period, sub billing.Subscription, act trial.Action) trial.ConversionResult {
	now := s.clock.Now().UTC()
	next := s.newPaidPeriod(t.ID, sub, now)

	updated, err := s.transition(ctx, t, act, trial.ReasonNone, p.ID, next, now)
	if err != nil {
		// Billing has converted; a retry reuses the idempotency key.
		s.logger.Error().Err(err).
			Str("tenant_id", t.ID).
			Str("period_id", p.ID).
			Msg("billing confirmed conversion but local transition failed")
		return failed(t.Status, err)
	}

	s.publish(ctx, ports.EventTenantConverted, s.snapshot(updated, *next, now))
	return trial.ConversionResult{Success: true, NewStatus: updated.Status}
}

// expire blocks an expired trial that could not be converted. A tenant
// already blocked on a cap keeps its block and is re-marked trial_expired so
// later sweeps skip it.
func (s *ConversionService) expire(ctx context.Context, t trial.Tenant, cause error) trial.ConversionResult {
	now := s.clock.Now().UTC()
	updated, err := s.transition(ctx, t, trial.ActionExpire, trial.ReasonTrialExpired, "", nil, now)
	if err != nil {
		return failed(t.Status, err)
	}
	if t.Status == trial.StatusBlocked {
		return failed(updated.Status, cause)
	}

	if p, err := s.store.OpenPeriod(ctx, t.ID); err == nil {
		s.publish(ctx, ports.EventTenantBlocked, s.snapshot(updated, p, now))
	}
	return failed(updated.Status, cause)
}

func (s *ConversionService) conversionFailed(ctx context.Context, t trial.Tenant, p usage.Period, err error) trial.ConversionResult {
	res := failed(t.Status, err)
	if errors.Is(err, billing.ErrPending) {
		res.Pending = true
		res.ErrorKind = trial.KindRetryable
	}

	s.logger.Warn().Err(err).
		Str("tenant_id", t.ID).
		Str("period_id", p.ID).
		Str("error_kind", string(res.ErrorKind)).
		Msg("conversion not completed")
	if !res.Pending {
		s.publish(ctx, ports.EventConversionFailed, s.snapshot(t, p, s.clock.Now().UTC()))
	}
	return res
}

// Cancel ends the trial for good. A billing subscription, if any, is
// canceled first; if that fails nothing changes locally.
func (s *ConversionService) Cancel(ctx context.Context, tenantID string) trial.ConversionResult {
	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return failed("", err)
	}
	defer unlock()

	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return failed("", err)
	}
	if t.Frozen {
		return failed(t.Status, fmt.Errorf("tenant %s: %w", t.ID, ports.ErrTenantFrozen))
	}
	if _, err := trial.Transition(t.Status, trial.ActionCancel); err != nil {
		return failed(t.Status, err)
	}

	if t.BillingAccountRef != "" {
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BillingTimeout)
		start := time.Now()
		err := s.billing.CancelSubscription(bctx, t.BillingAccountRef)
		cancel()
		s.metrics.ObserveBilling(s.billing.Name(), billingOutcome(err), time.Since(start))
		if err != nil {
			return failed(t.Status, err)
		}
	}

	p, err := s.store.OpenPeriod(ctx, t.ID)
	if err != nil {
		return failed(t.Status, err)
	}

	now := s.clock.Now().UTC()
	updated, err := s.transition(ctx, t, trial.ActionCancel, trial.ReasonNone, p.ID, nil, now)
	if err != nil {
		return failed(t.Status, err)
	}
	p.ArchivedAt = &now

	s.publish(ctx, ports.EventTenantCanceled, s.snapshot(updated, p, now))
	return trial.ConversionResult{Success: true, NewStatus: updated.Status}
}

// AttachBillingAccount records the tenant's billing account reference.
func (s *ConversionService) AttachBillingAccount(ctx context.Context, tenantID, ref string) (trial.Snapshot, error) {
	if ref == "" {
		return trial.Snapshot{}, invalidf("billing account ref is required")
	}

	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return trial.Snapshot{}, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return trial.Snapshot{}, err
	}
	switch {
	case t.Frozen:
		return trial.Snapshot{}, fmt.Errorf("tenant %s: %w", t.ID, ports.ErrTenantFrozen)
	case t.Status.Terminal():
		return trial.Snapshot{}, fmt.Errorf("tenant %s is %s: %w", t.ID, t.Status, ports.ErrConflict)
	}

	now := s.clock.Now().UTC()
	if err := s.store.SetBillingRef(ctx, t.ID, ref, now); err != nil {
		return trial.Snapshot{}, err
	}
	t.BillingAccountRef = ref
	t.UpdatedAt = now

	p, err := s.currentPeriod(ctx, t)
	if err != nil {
		return trial.Snapshot{}, err
	}
	return s.snapshot(t, p, now), nil
}

func outcomeOf(res trial.ConversionResult) string {
	switch {
	case res.AlreadyConverted:
		return "already_converted"
	case res.Success:
		return "success"
	case res.Pending:
		return "pending"
	default:
		return string(res.ErrorKind)
	}
}

func billingOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, billing.ErrPending):
		return "pending"
	case errors.Is(err, billing.ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
