package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/artpar/trialgate/adapters/sqlstore"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

var periodCols = []string{
	"id", "tenant_id", "period_start", "period_end", "calls_consumed",
	"duration_consumed_seconds", "archived_at", "pruned_at", "updated_at",
}

var tenantCols = []string{
	"id", "variant_key", "status", "trial_period_end", "billing_account_ref",
	"blocked_at", "block_reason", "converted_at", "canceled_at", "frozen", "frozen_reason",
	"created_at", "updated_at",
}

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlstore.New(db, Dialect), mock
}

func tenantRow(frozen bool) *sqlmock.Rows {
	return sqlmock.NewRows(tenantCols).AddRow(
		"t1", "standard", "trialing", t0.AddDate(0, 0, 14), nil,
		nil, nil, nil, nil, frozen, nil,
		t0, t0,
	)
}

func periodRow(calls, seconds int64) *sqlmock.Rows {
	return sqlmock.NewRows(periodCols).AddRow(
		"per_1", "t1", t0, t0.AddDate(0, 0, 14), calls,
		seconds, nil, nil, t0,
	)
}

func TestDialect_Rebind(t *testing.T) {
	got := Dialect.Rebind("UPDATE t SET a = ?, b = ? WHERE id = ?")
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", got)
	assert.Equal(t, "SELECT 1", Dialect.Rebind("SELECT 1"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestApply_CountsNewEvent(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	e := usage.Event{ID: "CA1", TenantID: "t1", DurationSeconds: 90}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id FROM usage_periods WHERE id = $1")).
		WithArgs("per_1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t1"))
	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = \\$1 FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(tenantRow(false))
	mock.ExpectQuery("SELECT (.+) FROM usage_periods WHERE id = \\$1 FOR UPDATE").
		WithArgs("per_1").
		WillReturnRows(periodRow(4, 200))
	mock.ExpectExec("INSERT INTO applied_events (.+) ON CONFLICT \\(tenant_id, event_id\\) DO NOTHING").
		WithArgs("t1", "CA1", "per_1", int64(90), false, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE usage_periods\\s+SET calls_consumed = calls_consumed \\+ 1").
		WithArgs(int64(90), t0, "per_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\), COALESCE\\(SUM\\(duration_seconds\\), 0\\)").
		WithArgs("per_1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(5, 290))
	mock.ExpectCommit()

	p, applied, err := s.Apply(ctx, "per_1", e, t0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(5), p.CallsConsumed)
	assert.Equal(t, int64(290), p.DurationConsumedSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_DuplicateSkipsCounters(t *testing.T) {
	s, mock := newMockStore(t)
	e := usage.Event{ID: "CA1", TenantID: "t1", DurationSeconds: 90}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM usage_periods").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t1"))
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(tenantRow(false))
	mock.ExpectQuery("SELECT (.+) FROM usage_periods").WillReturnRows(periodRow(1, 90))
	mock.ExpectExec("INSERT INTO applied_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	p, applied, err := s.Apply(context.Background(), "per_1", e, t0)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1), p.CallsConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_AuditMismatchRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	e := usage.Event{ID: "CA2", TenantID: "t1", DurationSeconds: 30}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM usage_periods").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t1"))
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(tenantRow(false))
	mock.ExpectQuery("SELECT (.+) FROM usage_periods").WillReturnRows(periodRow(5, 30))
	mock.ExpectExec("INSERT INTO applied_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE usage_periods").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(2, 60))
	mock.ExpectRollback()

	_, applied, err := s.Apply(context.Background(), "per_1", e, t0)
	assert.ErrorIs(t, err, ports.ErrInvariantViolation)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_FrozenTenant(t *testing.T) {
	s, mock := newMockStore(t)
	e := usage.Event{ID: "CA1", TenantID: "t1", DurationSeconds: 1}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM usage_periods").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t1"))
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(tenantRow(true))
	mock.ExpectQuery("SELECT (.+) FROM usage_periods").WillReturnRows(periodRow(0, 0))
	mock.ExpectRollback()

	_, _, err := s.Apply(context.Background(), "per_1", e, t0)
	assert.ErrorIs(t, err, ports.ErrTenantFrozen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_UnknownPeriod(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM usage_periods").
		WithArgs("per_x").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := s.Apply(context.Background(), "per_x", usage.Event{ID: "CA1", TenantID: "t1"}, t0)
	assert.ErrorIs(t, err, ports.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_StaleFromConflicts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = \\$1 FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(tenantRow(false))
	mock.ExpectRollback()

	_, err := s.Transition(context.Background(), ports.StateChange{
		TenantID: "t1", From: trial.StatusBlocked, To: trial.StatusActive, At: t0,
	})
	assert.ErrorIs(t, err, ports.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_DuplicateOpenPeriodConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	next := usage.NewPeriod("per_2", "t1", t0, t0.AddDate(0, 0, 30))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(tenantRow(false))
	mock.ExpectExec("UPDATE tenants SET status = \\$1, converted_at = \\$2, updated_at = \\$3 WHERE id = \\$4 AND status = \\$5").
		WithArgs("active", t0, t0, "t1", "trialing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_periods").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.Transition(context.Background(), ports.StateChange{
		TenantID: "t1", From: trial.StatusTrialing, To: trial.StatusActive, Next: &next, At: t0,
	})
	assert.ErrorIs(t, err, ports.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DuplicateTenant(t *testing.T) {
	s, mock := newMockStore(t)
	tenant := trial.Tenant{ID: "t1", VariantKey: "standard", Status: trial.StatusTrialing}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tenants").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.Create(context.Background(), tenant, usage.NewPeriod("per_1", "t1", t0, t0))
	assert.ErrorIs(t, err, ports.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneAppliedEvents(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := t0.Add(-720 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM applied_events").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectExec("UPDATE usage_periods SET pruned_at = \\$1").
		WithArgs(t0, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := s.PruneAppliedEvents(context.Background(), cutoff, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
