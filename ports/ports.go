// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/trialgate/domain/billing"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
)

// Store errors shared by every adapter.
var (
	ErrNotFound   = errors.New("not found")
	ErrDuplicate  = errors.New("already exists")
	ErrConflict   = errors.New("state conflict")
	ErrLockFailed = errors.New("tenant lock not acquired")

	// ErrPeriodClosed is returned when an event addresses an archived period
	// or a canceled tenant.
	ErrPeriodClosed = errors.New("usage period closed")

	// ErrTenantFrozen is returned for every write to a frozen tenant.
	ErrTenantFrozen = errors.New("tenant frozen")

	// ErrInvariantViolation is returned when period counters disagree with
	// the idempotency index. The write that detected it is rolled back.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// TenantLocker serializes every ledger write and state transition of one
// tenant. Different tenants never contend.
type TenantLocker interface {
	// Lock blocks until the tenant lock is held or ctx is done.
	// The returned func releases the lock and is safe to call once.
	Lock(ctx context.Context, tenantID string) (unlock func(), err error)
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// StateChange is an atomic tenant transition, optionally archiving the open
// period and opening the next one in the same write.
type StateChange struct {
	TenantID      string
	From          trial.Status // Applied only if the tenant is still in From
	To            trial.Status
	Reason        trial.BlockReason // For To == blocked
	ClosePeriodID string            // Archived in the same write; empty keeps it open
	Next          *usage.Period     // Opened in the same write; nil opens nothing
	At            time.Time
}

// TenantStore persists tenants.
type TenantStore interface {
	// Get retrieves a tenant by ID.
	Get(ctx context.Context, id string) (trial.Tenant, error)

	// Create stores a new tenant together with its first open period.
	// Returns ErrDuplicate if the tenant exists.
	Create(ctx context.Context, t trial.Tenant, first usage.Period) error

	// SetBillingRef records the external billing account reference.
	SetBillingRef(ctx context.Context, id, ref string, at time.Time) error

	// Freeze marks the tenant frozen; all further writes are refused.
	Freeze(ctx context.Context, id, reason string, at time.Time) error

	// ListExpired returns unfrozen tenants whose trial ended at or before
	// at and that still await resolution: every trialing tenant, plus
	// tenants blocked on a hard cap whose variant key is in waitVariants.
	ListExpired(ctx context.Context, at time.Time, waitVariants []string, limit int) ([]trial.Tenant, error)
}

// LedgerStore persists usage periods and the idempotency index.
type LedgerStore interface {
	// OpenPeriod returns the tenant's open period.
	OpenPeriod(ctx context.Context, tenantID string) (usage.Period, error)

	// Apply counts e in the addressed period exactly once.
	// Membership test, counter increment and index insert are one atomic
	// operation. A duplicate returns the unchanged period with applied=false.
	// Returns ErrPeriodClosed, ErrTenantFrozen or ErrInvariantViolation
	// without changing anything.
	Apply(ctx context.Context, periodID string, e usage.Event, at time.Time) (p usage.Period, applied bool, err error)

	// Transition applies a StateChange atomically and returns the updated
	// tenant. Returns ErrConflict if the tenant is no longer in From.
	Transition(ctx context.Context, c StateChange) (trial.Tenant, error)

	// History returns all periods of a tenant, newest first.
	History(ctx context.Context, tenantID string) ([]usage.Period, error)

	// AppliedEvents returns the idempotency rows counted in a period.
	AppliedEvents(ctx context.Context, periodID string) ([]usage.AppliedEvent, error)

	// PruneAppliedEvents deletes idempotency rows of periods archived
	// before the cutoff and marks those periods pruned at now.
	// Open periods are never pruned.
	PruneAppliedEvents(ctx context.Context, archivedBefore, now time.Time) (int64, error)
}

// Store is the single authoritative data store.
type Store interface {
	TenantStore
	LedgerStore
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// BillingProvider interfaces with the payment processor.
// Errors are classified with billing.ErrRejected / billing.ErrUnavailable.
type BillingProvider interface {
	// Name returns the provider name (e.g., "stripe", "dummy").
	Name() string

	// ConvertTrial ends the trial now and starts the paid period with no
	// proration. The idempotency key deduplicates retried requests.
	ConvertTrial(ctx context.Context, accountRef, idempotencyKey string) (billing.Subscription, error)

	// GetSubscription retrieves subscription details.
	GetSubscription(ctx context.Context, accountRef string) (billing.Subscription, error)

	// CancelSubscription cancels a subscription immediately.
	CancelSubscription(ctx context.Context, accountRef string) error
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// Decision event types.
const (
	EventTenantBlocked    = "tenant.blocked"
	EventUsageWarning     = "usage.warning"
	EventTenantConverted  = "tenant.converted"
	EventTenantCanceled   = "tenant.canceled"
	EventTenantFrozen     = "tenant.frozen"
	EventConversionFailed = "conversion.failed"
)

// DecisionPublisher informs downstream collaborators (voice provider,
// notifications) about state changes.
type DecisionPublisher interface {
	// Publish delivers a snapshot for eventType. Failures never roll back
	// the state change that produced the snapshot.
	Publish(ctx context.Context, eventType string, snap trial.Snapshot) error
}

// -----------------------------------------------------------------------------
// Observability Ports
// -----------------------------------------------------------------------------

// Metrics records operational measurements.
type Metrics interface {
	ObserveEvent(result string)
	ObserveWarning(level string)
	ObserveInvariantViolation()
	ObserveLockWait(d time.Duration)
	ObserveTransition(from, to, reason string)
	ObserveConversion(mode, outcome string)
	ObserveBilling(provider, outcome string, d time.Duration)
	ObserveSweep(job string, err error)
	ObservePruned(n int64)
}
