package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artpar/trialgate/adapters/clock"
	"github.com/artpar/trialgate/adapters/idgen"
	"github.com/artpar/trialgate/adapters/memory"
	"github.com/artpar/trialgate/adapters/payment"
	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/domain/variant"
	"github.com/artpar/trialgate/ports"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// published records every decision handed to the publisher.
type published struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Type string
	Snap trial.Snapshot
}

func (p *published) Publish(ctx context.Context, eventType string, snap trial.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Snap: snap})
	return nil
}

func (p *published) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (p *published) last(eventType string) (trial.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == eventType {
			return p.events[i].Snap, true
		}
	}
	return trial.Snapshot{}, false
}

func testVariants(t *testing.T) *variant.Table {
	t.Helper()
	table, err := variant.NewTable("test-1", "standard", []variant.Variant{
		{Key: "standard", CallLimit: 10, DurationLimitSeconds: 1500, TrialPeriodDays: 14, Behavior: variant.BehaviorHard, AllowWaitForAutoConvert: true, Weight: 1},
		{Key: "soft", CallLimit: 10, DurationLimitSeconds: 1500, TrialPeriodDays: 14, Behavior: variant.BehaviorSoft},
		{Key: "nowait", CallLimit: 10, DurationLimitSeconds: 1500, TrialPeriodDays: 7, Behavior: variant.BehaviorHard},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

type harness struct {
	store     *memory.Store
	clock     *clock.Fake
	billing   *payment.DummyProvider
	publisher *published
	deps      app.Deps

	metering   *app.MeteringService
	conversion *app.ConversionService
	status     *app.StatusService
	sweeper    *app.Sweeper
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, nil)
}

// newHarnessWithStore builds the services over store, or a fresh memory
// store when store is nil.
func newHarnessWithStore(t *testing.T, store ports.Store) *harness {
	t.Helper()

	h := &harness{
		store:     memory.NewStore(memory.StoreConfig{}),
		clock:     clock.NewFake(baseTime),
		billing:   payment.NewDummyProvider(payment.OutcomeActive),
		publisher: &published{},
	}
	h.billing.SetClock(h.clock.Now)
	if store == nil {
		store = h.store
	}

	deps := app.Deps{
		Store:     store,
		Locker:    memory.NewTenantLocker(),
		Billing:   h.billing,
		Publisher: h.publisher,
		Variants:  app.StaticVariants{T: testVariants(t)},
		Clock:     h.clock,
		IDGen:     idgen.NewSequential("period-"),
		Logger:    zerolog.Nop(),
	}
	cfg := app.DefaultConfig()
	h.deps = deps

	h.metering = app.NewMeteringService(deps, cfg)
	h.conversion = app.NewConversionService(deps, cfg)
	h.status = app.NewStatusService(deps, cfg)
	h.sweeper = app.NewSweeper(h.conversion)
	return h
}

func (h *harness) start(t *testing.T, tenantID, variantKey string) trial.Snapshot {
	t.Helper()
	snap, err := h.metering.StartTrial(context.Background(), app.StartTrialRequest{
		TenantID:          tenantID,
		VariantKey:        variantKey,
		BillingAccountRef: "sub_" + tenantID,
	})
	if err != nil {
		t.Fatalf("StartTrial(%s): %v", tenantID, err)
	}
	return snap
}

func (h *harness) record(t *testing.T, tenantID, eventID string, seconds int64) app.UsageResult {
	t.Helper()
	res, err := h.metering.RecordUsage(context.Background(), usage.Event{
		ID:              eventID,
		TenantID:        tenantID,
		DurationSeconds: seconds,
		OccurredAt:      h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("RecordUsage(%s/%s): %v", tenantID, eventID, err)
	}
	return res
}

func (h *harness) tenant(t *testing.T, id string) trial.Tenant {
	t.Helper()
	tn, err := h.status.Tenant(context.Background(), id)
	if err != nil {
		t.Fatalf("Tenant(%s): %v", id, err)
	}
	return tn
}
