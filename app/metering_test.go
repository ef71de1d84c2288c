package app_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/artpar/trialgate/adapters/memory"
	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/domain/limit"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
)

func TestMeteringService_StartTrial(t *testing.T) {
	h := newHarness(t)

	snap := h.start(t, "t1", "nowait")

	if snap.Status != trial.StatusTrialing {
		t.Errorf("status = %s, want trialing", snap.Status)
	}
	if snap.VariantKey != "nowait" {
		t.Errorf("variant = %s, want nowait", snap.VariantKey)
	}
	if snap.DaysRemaining != 7 {
		t.Errorf("days remaining = %d, want 7", snap.DaysRemaining)
	}
	if snap.CallsLimit != 10 || snap.MinutesLimit != 25 {
		t.Errorf("limits = %d calls/%d min, want 10/25", snap.CallsLimit, snap.MinutesLimit)
	}

	tn := h.tenant(t, "t1")
	if want := baseTime.AddDate(0, 0, 7); !tn.TrialPeriodEnd.Equal(want) {
		t.Errorf("trial end = %v, want %v", tn.TrialPeriodEnd, want)
	}
}

func TestMeteringService_StartTrial_WeightedPick(t *testing.T) {
	h := newHarness(t)

	// Only "standard" carries weight.
	snap := h.start(t, "t1", "")
	if snap.VariantKey != "standard" {
		t.Errorf("variant = %s, want standard", snap.VariantKey)
	}
}

func TestMeteringService_StartTrial_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1", "")

	tests := []struct {
		name string
		req  app.StartTrialRequest
		kind trial.ErrorKind
	}{
		{"missing tenant", app.StartTrialRequest{}, trial.KindInvalid},
		{"unknown variant", app.StartTrialRequest{TenantID: "t2", VariantKey: "gold"}, trial.KindInvalid},
		{"duplicate tenant", app.StartTrialRequest{TenantID: "t1"}, trial.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.metering.StartTrial(ctx, tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := app.Kind(err); got != tt.kind {
				t.Errorf("Kind() = %s, want %s (err %v)", got, tt.kind, err)
			}
		})
	}
}

// Nine calls of 100s: 90% of calls, 60% of duration.
func TestMeteringService_NinthCallApproachesCallsCap(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")

	var res app.UsageResult
	for i := 1; i <= 9; i++ {
		res = h.record(t, "t1", fmt.Sprintf("call-%d", i), 100)
	}

	d := res.Decision
	if d.Exceeded {
		t.Error("should not be exceeded")
	}
	if d.Dimension != limit.DimensionCalls {
		t.Errorf("dimension = %s, want calls", d.Dimension)
	}
	if d.PercentUsed != 90 {
		t.Errorf("percent = %v, want 90", d.PercentUsed)
	}
	if d.MinutesUsed != 15 {
		t.Errorf("minutes = %d, want 15", d.MinutesUsed)
	}
	if res.Snapshot.IsBlocked {
		t.Error("snapshot should not be blocked")
	}
	if res.Snapshot.WarningLevel != limit.WarningCritical {
		t.Errorf("warning = %s, want critical", res.Snapshot.WarningLevel)
	}
}

// The tenth call delivered twice counts once and blocks on calls.
func TestMeteringService_RedeliveredTenthCallBlocksOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")

	for i := 1; i <= 9; i++ {
		h.record(t, "t1", fmt.Sprintf("call-%d", i), 100)
	}

	first := h.record(t, "t1", "call-10", 30)
	if !first.Applied {
		t.Fatal("first delivery should apply")
	}
	if !first.Transitioned {
		t.Error("first delivery should block the tenant")
	}

	second := h.record(t, "t1", "call-10", 30)
	if second.Applied {
		t.Error("second delivery should be a duplicate")
	}
	if second.Period.CallsConsumed != 10 {
		t.Errorf("calls = %d, want 10", second.Period.CallsConsumed)
	}
	if !second.Decision.Exceeded || second.Decision.Dimension != limit.DimensionCalls {
		t.Errorf("decision = %+v, want exceeded on calls", second.Decision)
	}
	if !second.Snapshot.IsBlocked {
		t.Error("snapshot should be blocked")
	}

	tn := h.tenant(t, "t1")
	if tn.Status != trial.StatusBlocked || tn.BlockReason != trial.ReasonCallLimit {
		t.Errorf("tenant = %s/%s, want blocked/limit_calls", tn.Status, tn.BlockReason)
	}
	if tn.BlockedAt == nil {
		t.Error("blockedAt not recorded")
	}
	if n := h.publisher.count(ports.EventTenantBlocked); n != 1 {
		t.Errorf("blocked published %d times, want 1", n)
	}
}

func TestMeteringService_DuplicateWithoutCache(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")

	// Different service instances share the store but not the cache.
	h.record(t, "t1", "e1", 61)
	other := newHarnessWithStore(t, h.store)
	res, err := other.metering.RecordUsage(context.Background(), usage.Event{ID: "e1", TenantID: "t1", DurationSeconds: 61})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if res.Applied {
		t.Error("replay should be a duplicate")
	}
	if res.Period.DurationConsumedSeconds != 61 {
		t.Errorf("seconds = %d, want 61", res.Period.DurationConsumedSeconds)
	}
	if res.Decision.MinutesUsed != 2 {
		t.Errorf("minutes = %d, want 2", res.Decision.MinutesUsed)
	}
}

// countingLocker counts lock acquisitions.
type countingLocker struct {
	ports.TenantLocker
	mu    sync.Mutex
	locks int
}

func (l *countingLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	l.locks++
	l.mu.Unlock()
	return l.TenantLocker.Lock(ctx, tenantID)
}

func (l *countingLocker) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks
}

func TestMeteringService_DuplicateCacheExpires(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")
	ctx := context.Background()

	locker := &countingLocker{TenantLocker: memory.NewTenantLocker()}
	deps := h.deps
	deps.Locker = locker
	cfg := app.DefaultConfig()
	cfg.DuplicateCacheTTL = 50 * time.Millisecond
	svc := app.NewMeteringService(deps, cfg)

	e := usage.Event{ID: "e1", TenantID: "t1", DurationSeconds: 30}
	if _, err := svc.RecordUsage(ctx, e); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if _, err := svc.RecordUsage(ctx, e); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if n := locker.count(); n != 1 {
		t.Errorf("cached duplicate took the lock: %d acquisitions, want 1", n)
	}

	time.Sleep(150 * time.Millisecond)
	res, err := svc.RecordUsage(ctx, e)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if res.Applied {
		t.Error("expired cache entry must still be a duplicate")
	}
	if n := locker.count(); n != 2 {
		t.Errorf("lock acquisitions = %d, want 2 once the entry expired", n)
	}
}

func TestMeteringService_DurationBlock(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")

	h.record(t, "t1", "long-1", 1200)
	res := h.record(t, "t1", "long-2", 301) // 1501s = 26 min

	if !res.Transitioned {
		t.Fatal("should block on duration")
	}
	if res.Snapshot.LimitingDimension != limit.DimensionDuration {
		t.Errorf("dimension = %s, want duration", res.Snapshot.LimitingDimension)
	}
	if tn := h.tenant(t, "t1"); tn.BlockReason != trial.ReasonDurationLimit {
		t.Errorf("reason = %s, want limit_duration", tn.BlockReason)
	}
}

func TestMeteringService_BlockedTenantStillMetered(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")
	for i := 1; i <= 10; i++ {
		h.record(t, "t1", fmt.Sprintf("call-%d", i), 10)
	}

	// In-flight calls finishing after the block are still counted.
	res := h.record(t, "t1", "late", 10)
	if !res.Applied {
		t.Error("late event should be applied")
	}
	if res.Transitioned {
		t.Error("already blocked")
	}
	if res.Period.CallsConsumed != 11 {
		t.Errorf("calls = %d, want 11", res.Period.CallsConsumed)
	}
	if tn := h.tenant(t, "t1"); tn.BlockReason != trial.ReasonCallLimit {
		t.Errorf("reason changed to %s", tn.BlockReason)
	}
}

// A soft variant never blocks but keeps reporting usage past 100%.
func TestMeteringService_SoftVariantReportsPastCap(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "soft")

	var res app.UsageResult
	for i := 1; i <= 15; i++ {
		res = h.record(t, "t1", fmt.Sprintf("call-%d", i), 10)
	}

	if res.Decision.Exceeded {
		t.Error("soft variant must never be exceeded")
	}
	if !res.Decision.LimitReached {
		t.Error("limit should be reported as reached")
	}
	if res.Decision.PercentUsed != 150 {
		t.Errorf("percent = %v, want 150", res.Decision.PercentUsed)
	}
	if tn := h.tenant(t, "t1"); tn.Status != trial.StatusTrialing {
		t.Errorf("status = %s, want trialing", tn.Status)
	}
	if res.Snapshot.WarningLevel != limit.WarningExceeded {
		t.Errorf("warning = %s, want exceeded", res.Snapshot.WarningLevel)
	}
}

func TestMeteringService_Warnings(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "soft")

	for i := 1; i <= 12; i++ {
		h.record(t, "t1", fmt.Sprintf("call-%d", i), 10)
	}

	// approaching at 7, critical at 9, exceeded at 10; once each.
	if n := h.publisher.count(ports.EventUsageWarning); n != 3 {
		t.Errorf("warnings published = %d, want 3", n)
	}
	snap, ok := h.publisher.last(ports.EventUsageWarning)
	if !ok || snap.WarningLevel != limit.WarningExceeded {
		t.Errorf("last warning = %v, want exceeded", snap.WarningLevel)
	}
}

func TestMeteringService_RecordUsage_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1", "standard")
	h.start(t, "t2", "standard")
	if res := h.conversion.Cancel(ctx, "t2"); !res.Success {
		t.Fatalf("Cancel: %v", res.Err)
	}

	tests := []struct {
		name  string
		event usage.Event
		kind  trial.ErrorKind
	}{
		{"missing id", usage.Event{TenantID: "t1"}, trial.KindInvalid},
		{"negative duration", usage.Event{ID: "e", TenantID: "t1", DurationSeconds: -1}, trial.KindInvalid},
		{"duration beyond a day", usage.Event{ID: "e", TenantID: "t1", DurationSeconds: usage.MaxDurationSeconds + 1}, trial.KindInvalid},
		{"max int64 duration", usage.Event{ID: "e", TenantID: "t1", DurationSeconds: math.MaxInt64}, trial.KindInvalid},
		{"unknown tenant", usage.Event{ID: "e", TenantID: "nobody"}, trial.KindNotFound},
		{"canceled tenant", usage.Event{ID: "e", TenantID: "t2"}, trial.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.metering.RecordUsage(ctx, tt.event)
			if got := app.Kind(err); got != tt.kind {
				t.Errorf("Kind() = %s, want %s (err %v)", got, tt.kind, err)
			}
		})
	}

	_, err := h.metering.RecordUsage(ctx, usage.Event{ID: "e", TenantID: "t2"})
	if !errors.Is(err, ports.ErrPeriodClosed) {
		t.Errorf("canceled tenant error = %v, want ErrPeriodClosed", err)
	}

	snap, _ := h.status.Snapshot(ctx, "t1")
	if snap.CallsUsed != 0 || snap.MinutesUsed != 0 {
		t.Errorf("refused events were counted: %d calls/%d minutes", snap.CallsUsed, snap.MinutesUsed)
	}
}

// Active tenants are metered into the paid period without trial caps.
func TestMeteringService_ActiveTenantNotEvaluated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1", "standard")
	if res := h.conversion.ConvertNow(ctx, "t1"); !res.Success {
		t.Fatalf("ConvertNow: %v", res.Err)
	}

	var res app.UsageResult
	for i := 1; i <= 20; i++ {
		res = h.record(t, "t1", fmt.Sprintf("paid-%d", i), 120)
	}
	if res.Decision.Exceeded || res.Decision.Dimension != limit.DimensionNone {
		t.Errorf("decision = %+v, want not exceeded, dimension none", res.Decision)
	}
	if res.Period.CallsConsumed != 20 {
		t.Errorf("calls = %d, want 20", res.Period.CallsConsumed)
	}
	if h.tenant(t, "t1").Status != trial.StatusActive {
		t.Error("tenant should stay active")
	}
}

func TestMeteringService_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "soft")

	const events = 50
	var wg sync.WaitGroup
	for round := 0; round < 2; round++ {
		for i := 0; i < events; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := h.metering.RecordUsage(context.Background(), usage.Event{
					ID:              fmt.Sprintf("e-%d", i),
					TenantID:        "t1",
					DurationSeconds: 7,
				})
				if err != nil {
					t.Errorf("RecordUsage: %v", err)
				}
			}(i)
		}
	}
	wg.Wait()

	snap, err := h.status.Snapshot(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CallsUsed != events {
		t.Errorf("calls = %d, want %d", snap.CallsUsed, events)
	}
	if want := usage.MinutesCeil(events * 7); snap.MinutesUsed != want {
		t.Errorf("minutes = %d, want %d", snap.MinutesUsed, want)
	}
}

// tamperStore reports every apply as an invariant violation.
type tamperStore struct {
	*memory.Store
}

func (s tamperStore) Apply(ctx context.Context, periodID string, e usage.Event, at time.Time) (usage.Period, bool, error) {
	return usage.Period{}, false, fmt.Errorf("%w: period %s", ports.ErrInvariantViolation, periodID)
}

func TestMeteringService_InvariantViolationFreezesTenant(t *testing.T) {
	h := newHarness(t)
	h.start(t, "t1", "standard")
	ctx := context.Background()

	broken := newHarnessWithStore(t, tamperStore{h.store})
	_, err := broken.metering.RecordUsage(ctx, usage.Event{ID: "e1", TenantID: "t1", DurationSeconds: 5})
	if !errors.Is(err, ports.ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	if broken.publisher.count(ports.EventTenantFrozen) != 1 {
		t.Error("freeze not published")
	}

	tn := h.tenant(t, "t1")
	if !tn.Frozen {
		t.Fatal("tenant should be frozen")
	}

	_, err = h.metering.RecordUsage(ctx, usage.Event{ID: "e2", TenantID: "t1", DurationSeconds: 5})
	if app.Kind(err) != trial.KindInvariant {
		t.Errorf("write to frozen tenant: Kind = %s, want invariant", app.Kind(err))
	}
	if res := h.conversion.ConvertNow(ctx, "t1"); res.ErrorKind != trial.KindInvariant {
		t.Errorf("convert frozen tenant: kind = %s, want invariant", res.ErrorKind)
	}
}

func TestMeteringService_RecordBatch(t *testing.T) {
	h := newHarness(t)
	h.start(t, "a", "standard")
	h.start(t, "b", "soft")

	events := []usage.Event{
		{ID: "a1", TenantID: "a", DurationSeconds: 30},
		{ID: "b1", TenantID: "b", DurationSeconds: 30},
		{ID: "a1", TenantID: "a", DurationSeconds: 30},
		{ID: "x1", TenantID: "missing"},
		{ID: "b2", TenantID: "b", DurationSeconds: 90},
	}
	results, err := h.metering.RecordBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if len(results) != len(events) {
		t.Fatalf("results = %d, want %d", len(results), len(events))
	}

	for i, r := range results {
		if r.EventID != events[i].ID {
			t.Errorf("results[%d] = %s, want %s", i, r.EventID, events[i].ID)
		}
	}
	if !results[0].Result.Applied || results[2].Result.Applied {
		t.Error("first a1 should apply and the replay should not")
	}
	if app.Kind(results[3].Err) != trial.KindNotFound {
		t.Errorf("missing tenant: %v", results[3].Err)
	}
	if got := results[4].Result.Period.CallsConsumed; got != 2 {
		t.Errorf("b calls after b2 = %d, want 2", got)
	}
}

func TestMeteringService_Preview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "t1", "standard")
	for i := 1; i <= 9; i++ {
		h.record(t, "t1", fmt.Sprintf("call-%d", i), 60)
	}

	p, err := h.metering.Preview(ctx, "t1", 60)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.Current.Exceeded {
		t.Error("current should not be exceeded")
	}
	if !p.Next.Exceeded || !p.WouldBlock {
		t.Errorf("next = %+v, want a blocking decision", p.Next)
	}

	// Nothing was recorded.
	snap, _ := h.status.Snapshot(ctx, "t1")
	if snap.CallsUsed != 9 {
		t.Errorf("calls = %d, want 9", snap.CallsUsed)
	}

	if _, err := h.metering.Preview(ctx, "t1", -5); app.Kind(err) != trial.KindInvalid {
		t.Errorf("negative duration: %v", err)
	}
	if _, err := h.metering.Preview(ctx, "t1", math.MaxInt64); app.Kind(err) != trial.KindInvalid {
		t.Errorf("max int64 duration: %v", err)
	}
}
