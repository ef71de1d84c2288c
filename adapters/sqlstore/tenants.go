package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
)

const tenantColumns = `id, variant_key, status, trial_period_end, billing_account_ref,
	blocked_at, block_reason, converted_at, canceled_at, frozen, frozen_reason,
	created_at, updated_at`

// Get retrieves a tenant by ID.
func (s *Store) Get(ctx context.Context, id string) (trial.Tenant, error) {
	return s.getTenant(ctx, s.db, id, false)
}

func (s *Store) getTenant(ctx context.Context, q querier, id string, lock bool) (trial.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = ?`
	if lock {
		query += s.d.ForUpdate
	}
	t, err := scanTenant(q.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		return trial.Tenant{}, asNotFound(err, "tenant "+id)
	}
	return t, nil
}

// Create stores a new tenant together with its first open period.
func (s *Store) Create(ctx context.Context, t trial.Tenant, first usage.Period) error {
	if first.TenantID != t.ID {
		return fmt.Errorf("%w: period %s belongs to %s, not %s", ports.ErrConflict, first.ID, first.TenantID, t.ID)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO tenants (`+tenantColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			t.ID, t.VariantKey, string(t.Status), t.TrialPeriodEnd.UTC(), nullString(t.BillingAccountRef),
			nullTime(t.BlockedAt), nullString(string(t.BlockReason)), nullTime(t.ConvertedAt), nullTime(t.CanceledAt),
			t.Frozen, nullString(t.FrozenReason),
			t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
		)
		if err != nil {
			if s.d.IsUniqueViolation(err) {
				return fmt.Errorf("tenant %s: %w", t.ID, ports.ErrDuplicate)
			}
			return fmt.Errorf("insert tenant: %w", err)
		}

		if err := s.insertPeriod(ctx, tx, first); err != nil {
			if s.d.IsUniqueViolation(err) {
				return fmt.Errorf("period %s: %w", first.ID, ports.ErrDuplicate)
			}
			return err
		}
		return nil
	})
}

// SetBillingRef records the external billing account reference.
func (s *Store) SetBillingRef(ctx context.Context, id, ref string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tenants SET billing_account_ref = ?, updated_at = ?
		WHERE id = ? AND frozen = ?
	`), nullString(ref), at.UTC(), id, false)
	if err != nil {
		return fmt.Errorf("update billing ref: %w", err)
	}
	if err := mustAffect(res, ports.ErrNotFound); err != nil {
		// Distinguish a frozen tenant from a missing one.
		t, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if t.Frozen {
			return fmt.Errorf("tenant %s: %w", id, ports.ErrTenantFrozen)
		}
		return err
	}
	return nil
}

// Freeze marks the tenant frozen.
func (s *Store) Freeze(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tenants SET frozen = ?, frozen_reason = ?, updated_at = ?
		WHERE id = ?
	`), true, nullString(reason), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("freeze tenant: %w", err)
	}
	return mustAffect(res, fmt.Errorf("tenant %s: %w", id, ports.ErrNotFound))
}

// ListExpired returns expired tenants awaiting resolution, oldest trial end
// first.
func (s *Store) ListExpired(ctx context.Context, at time.Time, waitVariants []string, limit int) ([]trial.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{false, at.UTC(), string(trial.StatusTrialing)}
	waiting := ""
	if len(waitVariants) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(waitVariants)), ", ")
		waiting = ` OR (status = ? AND block_reason IN (?, ?) AND variant_key IN (` + marks + `))`
		args = append(args, string(trial.StatusBlocked), string(trial.ReasonCallLimit), string(trial.ReasonDurationLimit))
		for _, k := range waitVariants {
			args = append(args, k)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+tenantColumns+` FROM tenants
		WHERE frozen = ? AND trial_period_end <= ?
		AND (status = ?`+waiting+`)
		ORDER BY trial_period_end, id
		LIMIT ?
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("list expired tenants: %w", err)
	}
	defer rows.Close()

	var out []trial.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTenant(row scanner) (trial.Tenant, error) {
	var t trial.Tenant
	var status string
	var billingRef, blockReason, frozenReason sql.NullString
	var blockedAt, convertedAt, canceledAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.VariantKey, &status, &t.TrialPeriodEnd, &billingRef,
		&blockedAt, &blockReason, &convertedAt, &canceledAt, &t.Frozen, &frozenReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return trial.Tenant{}, err
	}

	t.Status = trial.Status(status)
	t.TrialPeriodEnd = t.TrialPeriodEnd.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.BillingAccountRef = billingRef.String
	t.BlockReason = trial.BlockReason(blockReason.String)
	t.FrozenReason = frozenReason.String
	t.BlockedAt = timePtr(blockedAt)
	t.ConvertedAt = timePtr(convertedAt)
	t.CanceledAt = timePtr(canceledAt)
	return t, nil
}
