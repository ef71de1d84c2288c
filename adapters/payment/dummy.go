package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/trialgate/domain/billing"
	"github.com/google/uuid"
)

// Outcome selects how the dummy provider answers conversions.
type Outcome string

const (
	OutcomeActive      Outcome = "active"      // Paid period starts immediately
	OutcomePending     Outcome = "pending"     // Accepted, not yet confirmed
	OutcomeReject      Outcome = "reject"      // Card declined
	OutcomeUnavailable Outcome = "unavailable" // Transient failure
)

// DummyCall records one ConvertTrial request.
type DummyCall struct {
	RequestID      string
	AccountRef     string
	IdempotencyKey string
	Replayed       bool
}

// DummyProvider is a development/demo billing provider that simulates
// conversions without an external service. It deduplicates requests by
// idempotency key the way a real processor does.
type DummyProvider struct {
	mu        sync.Mutex
	outcome   Outcome
	overrides map[string]Outcome
	results   map[string]billing.Subscription
	subs      map[string]billing.Subscription
	calls     []DummyCall
	now       func() time.Time
}

// NewDummyProvider creates a dummy provider with a default outcome.
func NewDummyProvider(outcome Outcome) *DummyProvider {
	if outcome == "" {
		outcome = OutcomeActive
	}
	return &DummyProvider{
		outcome:   outcome,
		overrides: make(map[string]Outcome),
		results:   make(map[string]billing.Subscription),
		subs:      make(map[string]billing.Subscription),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// SetOutcome changes the default outcome.
func (p *DummyProvider) SetOutcome(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = o
}

// SetAccountOutcome overrides the outcome for one account.
func (p *DummyProvider) SetAccountOutcome(accountRef string, o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[accountRef] = o
}

// SetClock replaces the time source.
func (p *DummyProvider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Calls returns every ConvertTrial request received.
func (p *DummyProvider) Calls() []DummyCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DummyCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// ConvertTrial simulates ending the trial.
func (p *DummyProvider) ConvertTrial(ctx context.Context, accountRef, idempotencyKey string) (billing.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return billing.Subscription{}, billing.Unavailable(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	call := DummyCall{RequestID: uuid.NewString(), AccountRef: accountRef, IdempotencyKey: idempotencyKey}

	if s, ok := p.results[idempotencyKey]; ok {
		call.Replayed = true
		p.calls = append(p.calls, call)
		return s, nil
	}
	p.calls = append(p.calls, call)

	outcome := p.outcome
	if o, ok := p.overrides[accountRef]; ok {
		outcome = o
	}

	now := p.now()
	s := billing.Subscription{
		ID:                 accountRef,
		Provider:           p.Name(),
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}

	switch outcome {
	case OutcomeReject:
		return billing.Subscription{}, billing.Rejected(fmt.Errorf("dummy: card declined for %s", accountRef))
	case OutcomeUnavailable:
		return billing.Subscription{}, billing.Unavailable(fmt.Errorf("dummy: processor unavailable"))
	case OutcomePending:
		s.Status = billing.SubscriptionStatusIncomplete
	default:
		s.Status = billing.SubscriptionStatusActive
	}

	p.results[idempotencyKey] = s
	p.subs[accountRef] = s
	return s, nil
}

// Confirm settles a pending subscription as active.
func (p *DummyProvider) Confirm(accountRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[accountRef]
	if !ok {
		return
	}
	s.Status = billing.SubscriptionStatusActive
	p.subs[accountRef] = s
	for k, r := range p.results {
		if r.ID == accountRef {
			p.results[k] = s
		}
	}
}

// GetSubscription returns the last known subscription state.
func (p *DummyProvider) GetSubscription(ctx context.Context, accountRef string) (billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[accountRef]; ok {
		return s, nil
	}
	now := p.now()
	return billing.Subscription{
		ID:                 accountRef,
		Provider:           p.Name(),
		Status:             billing.SubscriptionStatusTrialing,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now,
	}, nil
}

// CancelSubscription simulates successful cancellation.
func (p *DummyProvider) CancelSubscription(ctx context.Context, accountRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.subs[accountRef]
	s.ID = accountRef
	s.Provider = p.Name()
	s.Status = billing.SubscriptionStatusCanceled
	p.subs[accountRef] = s
	return nil
}
