// Package billing provides subscription value types and the error kinds
// reported by billing collaborators.
package billing

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds returned by billing providers. Providers wrap the underlying
// cause with one of these so callers can tell transient failures from
// definitive answers.
var (
	// ErrRejected is a definitive refusal (no payment method, card declined).
	// Retrying the same request will not succeed.
	ErrRejected = errors.New("billing rejected")

	// ErrUnavailable is a transient failure (network, timeout, 5xx, rate limit).
	// The request may or may not have been applied remotely.
	ErrUnavailable = errors.New("billing unavailable")

	// ErrPending means the provider accepted the request but has not
	// confirmed the outcome yet.
	ErrPending = errors.New("billing confirmation pending")
)

// Rejected wraps cause as a definitive rejection.
func Rejected(cause error) error {
	return fmt.Errorf("%w: %w", ErrRejected, cause)
}

// Unavailable wraps cause as a transient failure.
func Unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

// IsRetryable returns true if err is worth retrying later.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRejected)
}

// SubscriptionStatus represents subscription state at the provider.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
)

// Subscription is the provider's view of a tenant's billing account (value type).
type Subscription struct {
	ID                 string // billingAccountRef
	Provider           string // "stripe", "dummy", "none"
	Status             SubscriptionStatus
	TrialEnd           *time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// Confirm maps a subscription to the conversion outcome it represents.
// Returns nil once the paid period has started.
// This is a PURE function.
func Confirm(s Subscription) error {
	switch s.Status {
	case SubscriptionStatusActive:
		return nil
	case SubscriptionStatusTrialing, SubscriptionStatusIncomplete:
		return fmt.Errorf("%w: subscription %s is %s", ErrPending, s.ID, s.Status)
	default:
		return fmt.Errorf("%w: subscription %s is %s", ErrRejected, s.ID, s.Status)
	}
}

// IdempotencyKey builds the key sent with a conversion request.
// The key is stable for one tenant period, so retries of the same
// conversion are deduplicated by the provider.
func IdempotencyKey(tenantID, periodID string) string {
	return "trialgate-convert-" + tenantID + "-" + periodID
}
