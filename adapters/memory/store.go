// Package memory provides in-memory implementations of the store and lock
// ports, used for tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
)

// tenantState holds everything the store knows about one tenant.
type tenantState struct {
	tenant  trial.Tenant
	periods map[string]*usage.Period
	openID  string
	applied map[string]usage.AppliedEvent // idempotency index, by event ID
	audit   map[string]usage.Audit        // tally of applied rows, by period ID
}

// storeShard is a single shard of the store.
type storeShard struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// Store is a sharded in-memory implementation of ports.Store.
// Every mutation of a tenant happens under its shard's write lock, which
// makes Apply and Transition atomic per tenant.
type Store struct {
	shards    []*storeShard
	numShards int

	ownersMu sync.RWMutex
	owners   map[string]string // period ID -> tenant ID
}

// StoreConfig configures the store.
type StoreConfig struct {
	NumShards int // Number of shards (default: 32)
}

// NewStore creates a new sharded in-memory store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}

	s := &Store{
		shards:    make([]*storeShard, cfg.NumShards),
		numShards: cfg.NumShards,
		owners:    make(map[string]string),
	}
	for i := range s.shards {
		s.shards[i] = &storeShard{tenants: make(map[string]*tenantState)}
	}
	return s
}

// getShard returns the shard for a tenant using consistent hashing.
func (s *Store) getShard(tenantID string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

func (s *Store) ownerOf(periodID string) (string, bool) {
	s.ownersMu.RLock()
	defer s.ownersMu.RUnlock()
	id, ok := s.owners[periodID]
	return id, ok
}

func (s *Store) setOwner(periodID, tenantID string) {
	s.ownersMu.Lock()
	s.owners[periodID] = tenantID
	s.ownersMu.Unlock()
}

// -----------------------------------------------------------------------------
// TenantStore
// -----------------------------------------------------------------------------

// Get retrieves a tenant by ID.
func (s *Store) Get(ctx context.Context, id string) (trial.Tenant, error) {
	shard := s.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	st, ok := shard.tenants[id]
	if !ok {
		return trial.Tenant{}, fmt.Errorf("tenant %s: %w", id, ports.ErrNotFound)
	}
	return st.tenant, nil
}

// Create stores a new tenant together with its first open period.
func (s *Store) Create(ctx context.Context, t trial.Tenant, first usage.Period) error {
	if first.TenantID != t.ID {
		return fmt.Errorf("%w: period %s belongs to %s, not %s", ports.ErrConflict, first.ID, first.TenantID, t.ID)
	}
	if _, taken := s.ownerOf(first.ID); taken {
		return fmt.Errorf("period %s: %w", first.ID, ports.ErrDuplicate)
	}

	shard := s.getShard(t.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.tenants[t.ID]; ok {
		return fmt.Errorf("tenant %s: %w", t.ID, ports.ErrDuplicate)
	}

	p := first
	shard.tenants[t.ID] = &tenantState{
		tenant:  t,
		periods: map[string]*usage.Period{p.ID: &p},
		openID:  p.ID,
		applied: make(map[string]usage.AppliedEvent),
		audit:   make(map[string]usage.Audit),
	}
	s.setOwner(p.ID, t.ID)
	return nil
}

// SetBillingRef records the external billing account reference.
func (s *Store) SetBillingRef(ctx context.Context, id, ref string, at time.Time) error {
	shard := s.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	st, ok := shard.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, ports.ErrNotFound)
	}
	if st.tenant.Frozen {
		return fmt.Errorf("tenant %s: %w", id, ports.ErrTenantFrozen)
	}
	st.tenant.BillingAccountRef = ref
	st.tenant.UpdatedAt = at
	return nil
}

// Freeze marks the tenant frozen.
func (s *Store) Freeze(ctx context.Context, id, reason string, at time.Time) error {
	shard := s.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	st, ok := shard.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, ports.ErrNotFound)
	}
	st.tenant.Frozen = true
	st.tenant.FrozenReason = reason
	st.tenant.UpdatedAt = at
	return nil
}

// ListExpired returns expired tenants awaiting resolution, oldest trial end
// first.
func (s *Store) ListExpired(ctx context.Context, at time.Time, waitVariants []string, limit int) ([]trial.Tenant, error) {
	wait := make(map[string]bool, len(waitVariants))
	for _, k := range waitVariants {
		wait[k] = true
	}
	waits := func(key string) bool { return wait[key] }

	var out []trial.Tenant
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, st := range shard.tenants {
			t := st.tenant
			if t.AwaitsResolution(at, waits) {
				out = append(out, t)
			}
		}
		shard.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TrialPeriodEnd.Equal(out[j].TrialPeriodEnd) {
			return out[i].ID < out[j].ID
		}
		return out[i].TrialPeriodEnd.Before(out[j].TrialPeriodEnd)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// LedgerStore
// -----------------------------------------------------------------------------

// OpenPeriod returns the tenant's open period.
func (s *Store) OpenPeriod(ctx context.Context, tenantID string) (usage.Period, error) {
	shard := s.getShard(tenantID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	st, ok := shard.tenants[tenantID]
	if !ok {
		return usage.Period{}, fmt.Errorf("tenant %s: %w", tenantID, ports.ErrNotFound)
	}
	if st.openID == "" {
		return usage.Period{}, fmt.Errorf("open period for %s: %w", tenantID, ports.ErrNotFound)
	}
	return *st.periods[st.openID], nil
}

// Apply counts e in the addressed period exactly once.
func (s *Store) Apply(ctx context.Context, periodID string, e usage.Event, at time.Time) (usage.Period, bool, error) {
	owner, ok := s.ownerOf(periodID)
	if !ok {
		return usage.Period{}, false, fmt.Errorf("period %s: %w", periodID, ports.ErrNotFound)
	}
	if owner != e.TenantID {
		return usage.Period{}, false, fmt.Errorf("%w: period %s does not belong to tenant %s", ports.ErrConflict, periodID, e.TenantID)
	}

	shard := s.getShard(owner)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	st := shard.tenants[owner]
	p := st.periods[periodID]

	if st.tenant.Frozen {
		return *p, false, fmt.Errorf("tenant %s: %w", owner, ports.ErrTenantFrozen)
	}
	if _, dup := st.applied[e.ID]; dup {
		return *p, false, nil
	}
	if !p.IsOpen() {
		return *p, false, fmt.Errorf("period %s: %w", periodID, ports.ErrPeriodClosed)
	}

	next, err := p.With(e)
	if err != nil {
		return *p, false, err
	}
	next.UpdatedAt = at

	audit := st.audit[periodID]
	audit.Events++
	audit.DurationSeconds += e.DurationSeconds
	if !next.Consistent(audit) {
		return *p, false, fmt.Errorf("%w: period %s counts %d calls/%ds, index holds %d/%ds",
			ports.ErrInvariantViolation, periodID, next.CallsConsumed, next.DurationConsumedSeconds,
			audit.Events, audit.DurationSeconds)
	}

	st.applied[e.ID] = usage.FromEvent(e, periodID, at)
	st.audit[periodID] = audit
	*p = next
	return next, true, nil
}

// Transition applies a StateChange atomically.
func (s *Store) Transition(ctx context.Context, c ports.StateChange) (trial.Tenant, error) {
	shard := s.getShard(c.TenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	st, ok := shard.tenants[c.TenantID]
	if !ok {
		return trial.Tenant{}, fmt.Errorf("tenant %s: %w", c.TenantID, ports.ErrNotFound)
	}
	if st.tenant.Frozen {
		return st.tenant, fmt.Errorf("tenant %s: %w", c.TenantID, ports.ErrTenantFrozen)
	}
	if st.tenant.Status != c.From {
		return st.tenant, fmt.Errorf("%w: tenant %s is %s, not %s", ports.ErrConflict, c.TenantID, st.tenant.Status, c.From)
	}

	var closing *usage.Period
	if c.ClosePeriodID != "" {
		closing = st.periods[c.ClosePeriodID]
		if closing == nil || c.ClosePeriodID != st.openID {
			return st.tenant, fmt.Errorf("%w: period %s is not the open period of %s", ports.ErrConflict, c.ClosePeriodID, c.TenantID)
		}
	}
	if c.Next != nil {
		if closing == nil && st.openID != "" {
			return st.tenant, fmt.Errorf("%w: tenant %s already has open period %s", ports.ErrConflict, c.TenantID, st.openID)
		}
		if _, taken := s.ownerOf(c.Next.ID); taken {
			return st.tenant, fmt.Errorf("period %s: %w", c.Next.ID, ports.ErrDuplicate)
		}
	}

	applyStateChange(&st.tenant, c)

	if closing != nil {
		at := c.At
		closing.ArchivedAt = &at
		closing.UpdatedAt = c.At
		st.openID = ""
	}
	if c.Next != nil {
		next := *c.Next
		st.periods[next.ID] = &next
		st.openID = next.ID
		s.setOwner(next.ID, c.TenantID)
	}
	return st.tenant, nil
}

// applyStateChange updates the tenant row for c.
func applyStateChange(t *trial.Tenant, c ports.StateChange) {
	at := c.At
	t.Status = c.To
	t.UpdatedAt = at
	switch c.To {
	case trial.StatusBlocked:
		if t.BlockedAt == nil {
			t.BlockedAt = &at
		}
		t.BlockReason = c.Reason
	case trial.StatusActive:
		t.ConvertedAt = &at
	case trial.StatusCanceled:
		t.CanceledAt = &at
	}
}

// History returns all periods of a tenant, newest first.
func (s *Store) History(ctx context.Context, tenantID string) ([]usage.Period, error) {
	shard := s.getShard(tenantID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	st, ok := shard.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ports.ErrNotFound)
	}

	out := make([]usage.Period, 0, len(st.periods))
	for _, p := range st.periods {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID > out[j].ID
		}
		return out[i].Start.After(out[j].Start)
	})
	return out, nil
}

// AppliedEvents returns the idempotency rows counted in a period,
// in application order.
func (s *Store) AppliedEvents(ctx context.Context, periodID string) ([]usage.AppliedEvent, error) {
	owner, ok := s.ownerOf(periodID)
	if !ok {
		return nil, fmt.Errorf("period %s: %w", periodID, ports.ErrNotFound)
	}

	shard := s.getShard(owner)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var out []usage.AppliedEvent
	for _, ev := range shard.tenants[owner].applied {
		if ev.PeriodID == periodID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out, nil
}

// PruneAppliedEvents deletes idempotency rows of periods archived before
// the cutoff.
func (s *Store) PruneAppliedEvents(ctx context.Context, archivedBefore, now time.Time) (int64, error) {
	var pruned int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		for _, st := range shard.tenants {
			expired := make(map[string]bool)
			for id, p := range st.periods {
				if p.ArchivedAt != nil && p.ArchivedAt.Before(archivedBefore) && p.PrunedAt == nil {
					expired[id] = true
					at := now
					p.PrunedAt = &at
				}
			}
			if len(expired) == 0 {
				continue
			}
			for eventID, ev := range st.applied {
				if expired[ev.PeriodID] {
					delete(st.applied, eventID)
					pruned++
				}
			}
		}
		shard.mu.Unlock()
	}
	return pruned, nil
}

// Clear removes all state (for testing).
func (s *Store) Clear() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.tenants = make(map[string]*tenantState)
		shard.mu.Unlock()
	}
	s.ownersMu.Lock()
	s.owners = make(map[string]string)
	s.ownersMu.Unlock()
}

// Len returns the number of tenants across all shards (for testing).
func (s *Store) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.tenants)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.Store = (*Store)(nil)
