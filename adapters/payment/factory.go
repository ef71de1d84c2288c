package payment

import (
	"fmt"
	"time"

	"github.com/artpar/trialgate/ports"
)

// Config selects and configures a billing provider.
type Config struct {
	Provider string // "stripe", "dummy", "none"

	StripeSecretKey   string
	StripeAPIURL      string
	MaxNetworkRetries int64
	Timeout           time.Duration

	DummyOutcome Outcome
}

// NewProvider creates a billing provider from configuration.
func NewProvider(c Config) (ports.BillingProvider, error) {
	switch c.Provider {
	case "stripe":
		if c.StripeSecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		return NewStripeProvider(StripeConfig{
			SecretKey:         c.StripeSecretKey,
			APIURL:            c.StripeAPIURL,
			MaxNetworkRetries: c.MaxNetworkRetries,
			Timeout:           c.Timeout,
		}), nil

	case "dummy", "test":
		switch c.DummyOutcome {
		case "", OutcomeActive, OutcomePending, OutcomeReject, OutcomeUnavailable:
		default:
			return nil, fmt.Errorf("unknown dummy outcome: %s", c.DummyOutcome)
		}
		return NewDummyProvider(c.DummyOutcome), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", c.Provider)
	}
}

var (
	_ ports.BillingProvider = (*StripeProvider)(nil)
	_ ports.BillingProvider = (*DummyProvider)(nil)
	_ ports.BillingProvider = (*NoopProvider)(nil)
)
