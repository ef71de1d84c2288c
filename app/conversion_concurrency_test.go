package app_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/artpar/trialgate/adapters/memory"
	"github.com/artpar/trialgate/adapters/payment"
	"github.com/artpar/trialgate/adapters/sqlite"
	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/domain/billing"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/ports"
)

// delayedBilling holds every conversion for a while before answering.
type delayedBilling struct {
	*payment.DummyProvider
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (b *delayedBilling) ConvertTrial(ctx context.Context, accountRef, key string) (billing.Subscription, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return billing.Subscription{}, billing.Unavailable(ctx.Err())
	}
	return b.DummyProvider.ConvertTrial(ctx, accountRef, key)
}

func openSQLiteStore(t *testing.T) ports.Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "trialgate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.Store()
}

// Usage delivered while a conversion is waiting on billing lands in exactly
// one period, and nothing is counted twice across the trial and paid
// periods.
func TestConversionService_ConvertNowWithConcurrentUsage(t *testing.T) {
	stores := []struct {
		name string
		open func(t *testing.T) ports.Store
	}{
		{"memory", func(t *testing.T) ports.Store { return memory.NewStore(memory.StoreConfig{}) }},
		{"sqlite", openSQLiteStore},
	}

	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			store := st.open(t)
			h := newHarnessWithStore(t, store)
			ctx := context.Background()
			h.start(t, "t1", "standard")
			h.record(t, "t1", "before", 10)

			slow := &delayedBilling{DummyProvider: h.billing, delay: 50 * time.Millisecond, started: make(chan struct{})}
			deps := h.deps
			deps.Billing = slow
			conv := app.NewConversionService(deps, app.DefaultConfig())

			var wg sync.WaitGroup
			var res trial.ConversionResult
			wg.Add(1)
			go func() {
				defer wg.Done()
				res = conv.ConvertNow(ctx, "t1")
			}()
			<-slow.started

			// Every event is delivered twice.
			const events = 8
			errs := make(chan error, 2*events)
			for i := 0; i < 2*events; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := h.metering.RecordUsage(ctx, usage.Event{
						ID:              fmt.Sprintf("race-%d", i%events),
						TenantID:        "t1",
						DurationSeconds: 5,
						OccurredAt:      h.clock.Now(),
					})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				if err != nil {
					t.Errorf("RecordUsage: %v", err)
				}
			}
			if !res.Success || res.NewStatus != trial.StatusActive {
				t.Fatalf("ConvertNow = %+v, want success", res)
			}

			history, err := store.History(ctx, "t1")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("history = %d periods, want trial and paid", len(history))
			}

			var calls int64
			owner := map[string]string{}
			for _, p := range history {
				calls += p.CallsConsumed
				applied, err := store.AppliedEvents(ctx, p.ID)
				if err != nil {
					t.Fatalf("AppliedEvents(%s): %v", p.ID, err)
				}
				if int64(len(applied)) != p.CallsConsumed {
					t.Errorf("period %s counts %d calls, index holds %d", p.ID, p.CallsConsumed, len(applied))
				}
				for _, a := range applied {
					if prev, ok := owner[a.EventID]; ok {
						t.Errorf("event %s counted in %s and %s", a.EventID, prev, p.ID)
					}
					owner[a.EventID] = p.ID
				}
			}
			if want := int64(events + 1); calls != want {
				t.Errorf("calls over history = %d, want %d distinct events", calls, want)
			}
			if len(owner) != events+1 {
				t.Errorf("indexed events = %d, want %d", len(owner), events+1)
			}
			if owner["before"] != history[1].ID {
				t.Error("the pre-conversion event must stay in the trial period")
			}
			if n := len(h.billing.Calls()); n != 1 {
				t.Errorf("billing reached %d times, want 1", n)
			}
		})
	}
}
