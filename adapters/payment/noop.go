package payment

import (
	"context"
	"errors"

	"github.com/artpar/trialgate/domain/billing"
)

var (
	// ErrPaymentsDisabled is returned when billing is not configured.
	ErrPaymentsDisabled = errors.New("payments are not configured")
)

// NoopProvider is a no-op billing provider for when billing is disabled.
// Conversions are rejected, so trials end blocked rather than retrying forever.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op billing provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// ConvertTrial returns a rejection as payments are disabled.
func (p *NoopProvider) ConvertTrial(ctx context.Context, accountRef, idempotencyKey string) (billing.Subscription, error) {
	return billing.Subscription{}, billing.Rejected(ErrPaymentsDisabled)
}

// GetSubscription returns a rejection as payments are disabled.
func (p *NoopProvider) GetSubscription(ctx context.Context, accountRef string) (billing.Subscription, error) {
	return billing.Subscription{}, billing.Rejected(ErrPaymentsDisabled)
}

// CancelSubscription succeeds; there is nothing to cancel remotely.
func (p *NoopProvider) CancelSubscription(ctx context.Context, accountRef string) error {
	return nil
}
