// Package payment provides billing provider adapters.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/artpar/trialgate/domain/billing"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey string

	// APIURL overrides the API base URL (tests, stripe-mock).
	APIURL string

	// MaxNetworkRetries is passed to the Stripe client. Retries reuse the
	// idempotency key, so they are safe for conversions.
	MaxNetworkRetries int64

	Timeout time.Duration
}

// StripeProvider implements ports.BillingProvider for Stripe.
type StripeProvider struct {
	config StripeConfig
	api    *client.API
}

// NewStripeProvider creates a new Stripe billing provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: config.Timeout},
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(config.APIURL)
	}

	api := &client.API{}
	api.Init(config.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	})

	return &StripeProvider{config: config, api: api}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// ConvertTrial ends the subscription's trial immediately without proration,
// which starts the first paid period and charges the customer.
func (p *StripeProvider) ConvertTrial(ctx context.Context, accountRef, idempotencyKey string) (billing.Subscription, error) {
	params := &stripe.SubscriptionParams{
		TrialEndNow:       stripe.Bool(true),
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	s, err := p.api.Subscriptions.Update(accountRef, params)
	if err != nil {
		return billing.Subscription{}, classifyStripeError(err)
	}
	return p.toSubscription(s), nil
}

// GetSubscription retrieves subscription details.
func (p *StripeProvider) GetSubscription(ctx context.Context, accountRef string) (billing.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := p.api.Subscriptions.Get(accountRef, params)
	if err != nil {
		return billing.Subscription{}, classifyStripeError(err)
	}
	return p.toSubscription(s), nil
}

// CancelSubscription cancels a subscription immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, accountRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	_, err := p.api.Subscriptions.Cancel(accountRef, params)
	if err != nil {
		return classifyStripeError(err)
	}
	return nil
}

func (p *StripeProvider) toSubscription(s *stripe.Subscription) billing.Subscription {
	out := billing.Subscription{
		ID:                 s.ID,
		Provider:           p.Name(),
		Status:             mapStripeStatus(s.Status),
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
	}
	if s.TrialEnd > 0 {
		te := time.Unix(s.TrialEnd, 0).UTC()
		out.TrialEnd = &te
	}
	return out
}

// classifyStripeError sorts Stripe failures into definitive rejections
// and transient unavailability.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure: the request may or may not have landed.
		return billing.Unavailable(err)
	}

	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= 500:
		return billing.Unavailable(fmt.Errorf("stripe %d: %w", se.HTTPStatusCode, err))
	case se.HTTPStatusCode == http.StatusUnauthorized, se.HTTPStatusCode == http.StatusForbidden:
		// Credentials problem on our side, not the tenant's.
		return billing.Unavailable(fmt.Errorf("stripe %d: %w", se.HTTPStatusCode, err))
	case se.Type == stripe.ErrorTypeCard,
		se.Type == stripe.ErrorTypeInvalidRequest,
		se.Type == stripe.ErrorTypeIdempotency:
		return billing.Rejected(fmt.Errorf("stripe %s: %w", se.Type, err))
	default:
		return billing.Unavailable(err)
	}
}

func mapStripeStatus(status stripe.SubscriptionStatus) billing.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return billing.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return billing.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusIncomplete:
		return billing.SubscriptionStatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return billing.SubscriptionStatusIncompleteExpired
	case stripe.SubscriptionStatusPastDue:
		return billing.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return billing.SubscriptionStatusUnpaid
	case stripe.SubscriptionStatusCanceled:
		return billing.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusPaused:
		return billing.SubscriptionStatusPaused
	default:
		return billing.SubscriptionStatusIncomplete
	}
}
