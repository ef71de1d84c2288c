package app

import (
	"context"
	"fmt"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/variant"
)

// Sweep job names reported to metrics.
const (
	JobExpire = "expire"
	JobPrune  = "prune"
)

// ExpireReport summarizes one expiry sweep.
type ExpireReport struct {
	Scanned   int
	Converted int
	Blocked   int
	Pending   int
	Failed    int
}

// Sweeper runs maintenance over many tenants. It holds no schedule of its
// own; callers decide when to run it.
type Sweeper struct {
	conv *ConversionService
}

// NewSweeper creates a sweeper that resolves trials through conv.
func NewSweeper(conv *ConversionService) *Sweeper {
	return &Sweeper{conv: conv}
}

// ExpireTrials resolves up to one batch of tenants whose trial period has
// ended: trialing tenants, and tenants blocked on a cap whose variant waits
// for the automatic conversion. Each tenant is handled independently; one
// failure does not stop the sweep.
func (w *Sweeper) ExpireTrials(ctx context.Context) (ExpireReport, error) {
	var report ExpireReport
	c := w.conv.core

	tenants, err := c.store.ListExpired(ctx, c.clock.Now().UTC(), waitingVariants(c.variants.Table()), c.cfg.ExpireBatchSize)
	if err != nil {
		c.metrics.ObserveSweep(JobExpire, err)
		return report, fmt.Errorf("list expired trials: %w", err)
	}

	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			c.metrics.ObserveSweep(JobExpire, err)
			return report, err
		}
		report.Scanned++

		res := w.conv.AutoConvertAtPeriodEnd(ctx, t.ID)
		switch {
		case res.Success:
			report.Converted++
		case res.Pending:
			report.Pending++
		case res.NewStatus == trial.StatusBlocked:
			report.Blocked++
		default:
			report.Failed++
			c.logger.Warn().Err(res.Err).
				Str("tenant_id", t.ID).
				Str("error_kind", string(res.ErrorKind)).
				Msg("expired trial not resolved")
		}
	}

	c.metrics.ObserveSweep(JobExpire, nil)
	c.logger.Info().
		Int("scanned", report.Scanned).
		Int("converted", report.Converted).
		Int("blocked", report.Blocked).
		Int("pending", report.Pending).
		Int("failed", report.Failed).
		Msg("expiry sweep finished")
	return report, nil
}

// waitingVariants returns the keys of variants that allow waiting for the
// automatic conversion.
func waitingVariants(table *variant.Table) []string {
	var keys []string
	for _, k := range table.Keys() {
		if v, ok := table.Lookup(k); ok && v.AllowWaitForAutoConvert {
			keys = append(keys, k)
		}
	}
	return keys
}

// PruneAppliedEvents deletes idempotency rows of periods archived longer
// than the retention TTL ago.
func (w *Sweeper) PruneAppliedEvents(ctx context.Context) (int64, error) {
	c := w.conv.core
	now := c.clock.Now().UTC()

	n, err := c.store.PruneAppliedEvents(ctx, now.Add(-c.cfg.AppliedEventTTL), now)
	c.metrics.ObserveSweep(JobPrune, err)
	if err != nil {
		return 0, fmt.Errorf("prune applied events: %w", err)
	}
	c.metrics.ObservePruned(n)
	c.logger.Info().Int64("pruned", n).Msg("applied events pruned")
	return n, nil
}
