package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/config"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// sweepTimeout bounds a single sweep run.
const sweepTimeout = 10 * time.Minute

// newScheduler registers the expiry and pruning sweeps. A run that is
// still going when its next tick fires is skipped.
func newScheduler(cfg config.SweepConfig, sweeper *app.Sweeper, logger zerolog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger.With().Str("component", "sweep").Logger()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	expire, err := config.ParseSchedule(cfg.ExpireSchedule)
	if err != nil {
		return nil, fmt.Errorf("expire schedule: %w", err)
	}
	prune, err := config.ParseSchedule(cfg.PruneSchedule)
	if err != nil {
		return nil, fmt.Errorf("prune schedule: %w", err)
	}

	c.Schedule(expire, cron.FuncJob(func() { RunExpire(context.Background(), sweeper, cl.logger) }))
	c.Schedule(prune, cron.FuncJob(func() { RunPrune(context.Background(), sweeper, cl.logger) }))

	return c, nil
}

// RunExpire resolves one batch of ended trials and logs the report.
func RunExpire(ctx context.Context, sweeper *app.Sweeper, logger zerolog.Logger) (app.ExpireReport, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := time.Now()
	report, err := sweeper.ExpireTrials(ctx)
	evt := logger.Info()
	if err != nil {
		evt = logger.Error().Err(err)
	} else if report.Scanned == 0 {
		evt = logger.Debug()
	}
	evt.
		Str("job", app.JobExpire).
		Int("scanned", report.Scanned).
		Int("converted", report.Converted).
		Int("blocked", report.Blocked).
		Int("pending", report.Pending).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("expiry sweep finished")
	return report, err
}

// RunPrune drops idempotency rows past retention and logs the count.
func RunPrune(ctx context.Context, sweeper *app.Sweeper, logger zerolog.Logger) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := sweeper.PruneAppliedEvents(ctx)
	if err != nil {
		logger.Error().Err(err).Str("job", app.JobPrune).Msg("prune sweep failed")
		return n, err
	}
	logger.Info().Str("job", app.JobPrune).Int64("pruned", n).Msg("prune sweep finished")
	return n, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
