package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
)

const periodColumns = `id, tenant_id, period_start, period_end, calls_consumed,
	duration_consumed_seconds, archived_at, pruned_at, updated_at`

// OpenPeriod returns the tenant's open period.
func (s *Store) OpenPeriod(ctx context.Context, tenantID string) (usage.Period, error) {
	p, err := scanPeriod(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+periodColumns+` FROM usage_periods
		WHERE tenant_id = ? AND archived_at IS NULL
	`), tenantID))
	if err != nil {
		return usage.Period{}, asNotFound(err, "open period for "+tenantID)
	}
	return p, nil
}

func (s *Store) getPeriod(ctx context.Context, q querier, id string, lock bool) (usage.Period, error) {
	query := `SELECT ` + periodColumns + ` FROM usage_periods WHERE id = ?`
	if lock {
		query += s.d.ForUpdate
	}
	p, err := scanPeriod(q.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		return usage.Period{}, asNotFound(err, "period "+id)
	}
	return p, nil
}

func (s *Store) insertPeriod(ctx context.Context, q querier, p usage.Period) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO usage_periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		p.ID, p.TenantID, p.Start.UTC(), p.End.UTC(), p.CallsConsumed,
		p.DurationConsumedSeconds, nullTime(p.ArchivedAt), nullTime(p.PrunedAt), p.UpdatedAt.UTC(),
	)
	return err
}

// Apply counts e in the addressed period exactly once.
//
// Inside one transaction: lock the tenant row, insert the idempotency row
// (a conflict means duplicate), bump the counters, then audit the period's
// counters against its idempotency rows. Any failure rolls back all of it.
func (s *Store) Apply(ctx context.Context, periodID string, e usage.Event, at time.Time) (usage.Period, bool, error) {
	var (
		out     usage.Period
		applied bool
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id FROM usage_periods WHERE id = ?`), periodID).Scan(&owner)
		if err != nil {
			return asNotFound(err, "period "+periodID)
		}
		if owner != e.TenantID {
			return fmt.Errorf("%w: period %s does not belong to tenant %s", ports.ErrConflict, periodID, e.TenantID)
		}

		t, err := s.getTenant(ctx, tx, owner, true)
		if err != nil {
			return err
		}
		p, err := s.getPeriod(ctx, tx, periodID, true)
		if err != nil {
			return err
		}
		out = p

		if t.Frozen {
			return fmt.Errorf("tenant %s: %w", owner, ports.ErrTenantFrozen)
		}

		if !p.IsOpen() {
			dup, err := s.isApplied(ctx, tx, owner, e.ID)
			if err != nil {
				return err
			}
			if dup {
				return nil
			}
			return fmt.Errorf("period %s: %w", periodID, ports.ErrPeriodClosed)
		}

		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO applied_events (tenant_id, event_id, period_id, duration_seconds, has_prior_usage, applied_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, event_id) DO NOTHING
		`), owner, e.ID, periodID, e.DurationSeconds, e.HasPriorUsage, at.UTC())
		if err != nil {
			return fmt.Errorf("insert applied event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // duplicate
		}

		next, err := p.With(e)
		if err != nil {
			return err
		}
		next.UpdatedAt = at.UTC()

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE usage_periods
			SET calls_consumed = calls_consumed + 1,
			    duration_consumed_seconds = duration_consumed_seconds + ?,
			    updated_at = ?
			WHERE id = ?
		`), e.DurationSeconds, at.UTC(), periodID)
		if err != nil {
			return fmt.Errorf("increment counters: %w", err)
		}

		var audit usage.Audit
		err = tx.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0)
			FROM applied_events WHERE period_id = ?
		`), periodID).Scan(&audit.Events, &audit.DurationSeconds)
		if err != nil {
			return fmt.Errorf("audit period: %w", err)
		}
		if !next.Consistent(audit) {
			return fmt.Errorf("%w: period %s counts %d calls/%ds, index holds %d/%ds",
				ports.ErrInvariantViolation, periodID, next.CallsConsumed, next.DurationConsumedSeconds,
				audit.Events, audit.DurationSeconds)
		}

		out = next
		applied = true
		return nil
	})
	if err != nil {
		return out, false, err
	}
	return out, applied, nil
}

func (s *Store) isApplied(ctx context.Context, q querier, tenantID, eventID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.q(`
		SELECT 1 FROM applied_events WHERE tenant_id = ? AND event_id = ?
	`), tenantID, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup applied event: %w", err)
	}
	return true, nil
}

// Transition applies a StateChange atomically.
func (s *Store) Transition(ctx context.Context, c ports.StateChange) (trial.Tenant, error) {
	var out trial.Tenant

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTenant(ctx, tx, c.TenantID, true)
		if err != nil {
			return err
		}
		out = t
		if t.Frozen {
			return fmt.Errorf("tenant %s: %w", c.TenantID, ports.ErrTenantFrozen)
		}
		if t.Status != c.From {
			return fmt.Errorf("%w: tenant %s is %s, not %s", ports.ErrConflict, c.TenantID, t.Status, c.From)
		}

		at := c.At.UTC()
		set, args := stateAssignments(c.To, c.Reason, at)
		args = append(args, c.TenantID, string(c.From))
		res, err := tx.ExecContext(ctx, s.q(`UPDATE tenants SET `+set+` WHERE id = ? AND status = ?`), args...)
		if err != nil {
			return fmt.Errorf("update tenant status: %w", err)
		}
		if err := mustAffect(res, fmt.Errorf("%w: tenant %s left %s", ports.ErrConflict, c.TenantID, c.From)); err != nil {
			return err
		}

		if c.ClosePeriodID != "" {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE usage_periods SET archived_at = ?, updated_at = ?
				WHERE id = ? AND tenant_id = ? AND archived_at IS NULL
			`), at, at, c.ClosePeriodID, c.TenantID)
			if err != nil {
				return fmt.Errorf("archive period: %w", err)
			}
			if err := mustAffect(res, fmt.Errorf("%w: period %s is not the open period of %s", ports.ErrConflict, c.ClosePeriodID, c.TenantID)); err != nil {
				return err
			}
		}

		if c.Next != nil {
			if err := s.insertPeriod(ctx, tx, *c.Next); err != nil {
				if s.d.IsUniqueViolation(err) {
					return fmt.Errorf("%w: open period %s: %v", ports.ErrConflict, c.Next.ID, err)
				}
				return fmt.Errorf("open period: %w", err)
			}
		}

		out, err = s.getTenant(ctx, tx, c.TenantID, false)
		return err
	})
	return out, err
}

// stateAssignments returns the SET clause and arguments for entering to.
func stateAssignments(to trial.Status, reason trial.BlockReason, at time.Time) (string, []any) {
	switch to {
	case trial.StatusBlocked:
		return "status = ?, blocked_at = COALESCE(blocked_at, ?), block_reason = ?, updated_at = ?",
			[]any{string(to), at, nullString(string(reason)), at}
	case trial.StatusActive:
		return "status = ?, converted_at = ?, updated_at = ?", []any{string(to), at, at}
	case trial.StatusCanceled:
		return "status = ?, canceled_at = ?, updated_at = ?", []any{string(to), at, at}
	default:
		return "status = ?, updated_at = ?", []any{string(to), at}
	}
}

// History returns all periods of a tenant, newest first.
func (s *Store) History(ctx context.Context, tenantID string) ([]usage.Period, error) {
	if _, err := s.Get(ctx, tenantID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+periodColumns+` FROM usage_periods
		WHERE tenant_id = ?
		ORDER BY period_start DESC, id DESC
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", err)
	}
	defer rows.Close()

	var out []usage.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppliedEvents returns the idempotency rows counted in a period,
// in application order.
func (s *Store) AppliedEvents(ctx context.Context, periodID string) ([]usage.AppliedEvent, error) {
	if _, err := s.getPeriod(ctx, s.db, periodID, false); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT tenant_id, event_id, period_id, duration_seconds, has_prior_usage, applied_at
		FROM applied_events
		WHERE period_id = ?
		ORDER BY applied_at, event_id
	`), periodID)
	if err != nil {
		return nil, fmt.Errorf("query applied events: %w", err)
	}
	defer rows.Close()

	var out []usage.AppliedEvent
	for rows.Next() {
		var ev usage.AppliedEvent
		if err := rows.Scan(&ev.TenantID, &ev.EventID, &ev.PeriodID, &ev.DurationSeconds, &ev.HasPriorUsage, &ev.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied event: %w", err)
		}
		ev.AppliedAt = ev.AppliedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneAppliedEvents deletes idempotency rows of periods archived before
// the cutoff and marks those periods pruned.
func (s *Store) PruneAppliedEvents(ctx context.Context, archivedBefore, now time.Time) (int64, error) {
	var pruned int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM applied_events
			WHERE period_id IN (
				SELECT id FROM usage_periods
				WHERE archived_at IS NOT NULL AND archived_at < ? AND pruned_at IS NULL
			)
		`), archivedBefore.UTC())
		if err != nil {
			return fmt.Errorf("delete applied events: %w", err)
		}
		if pruned, err = res.RowsAffected(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE usage_periods SET pruned_at = ?
			WHERE archived_at IS NOT NULL AND archived_at < ? AND pruned_at IS NULL
		`), now.UTC(), archivedBefore.UTC())
		if err != nil {
			return fmt.Errorf("mark periods pruned: %w", err)
		}
		return nil
	})
	return pruned, err
}

func scanPeriod(row scanner) (usage.Period, error) {
	var p usage.Period
	var archivedAt, prunedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.TenantID, &p.Start, &p.End, &p.CallsConsumed,
		&p.DurationConsumedSeconds, &archivedAt, &prunedAt, &p.UpdatedAt,
	)
	if err != nil {
		return usage.Period{}, err
	}

	p.Start = p.Start.UTC()
	p.End = p.End.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.ArchivedAt = timePtr(archivedAt)
	p.PrunedAt = timePtr(prunedAt)
	return p, nil
}
