package bootstrap

import (
	"context"
	"fmt"

	apihttp "github.com/artpar/trialgate/adapters/http"
	"github.com/artpar/trialgate/adapters/memory"
	"github.com/artpar/trialgate/adapters/notify"
	"github.com/artpar/trialgate/adapters/payment"
	"github.com/artpar/trialgate/adapters/postgres"
	"github.com/artpar/trialgate/adapters/redislock"
	"github.com/artpar/trialgate/adapters/sqlite"
	"github.com/artpar/trialgate/config"
	"github.com/artpar/trialgate/ports"
	"github.com/rs/zerolog"
)

// storeProvider is an opened store with its lifecycle hooks.
type storeProvider struct {
	store  ports.Store
	health apihttp.HealthChecker
	close  func() error
}

// lockProvider is an opened tenant locker with its lifecycle hooks.
type lockProvider struct {
	locker ports.TenantLocker
	health apihttp.HealthChecker
	close  func() error
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (storeProvider, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		return storeProvider{store: memory.NewStore(memory.StoreConfig{})}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return storeProvider{}, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return storeProvider{}, fmt.Errorf("migrate sqlite: %w", err)
		}
		logger.Info().Str("path", cfg.DSN).Msg("sqlite store ready")
		s := db.Store()
		return storeProvider{store: s, health: s, close: db.Close}, nil

	case "postgres":
		db, err := postgres.Open(ctx, postgres.Config{
			URL:         cfg.DSN,
			MaxConns:    cfg.MaxConns,
			MinConns:    cfg.MinConns,
			Timeout:     cfg.Timeout,
			MaxLifetime: cfg.MaxLifetime,
		})
		if err != nil {
			return storeProvider{}, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return storeProvider{}, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info().Msg("postgres store ready")
		s := db.Store()
		return storeProvider{store: s, health: s, close: db.Close}, nil

	default:
		return storeProvider{}, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

// openLocker creates the configured tenant locker.
func openLocker(ctx context.Context, cfg config.LockConfig, logger zerolog.Logger) (lockProvider, error) {
	switch cfg.Driver {
	case "memory":
		return lockProvider{locker: memory.NewTenantLocker()}, nil

	case "redis":
		client, err := redislock.Dial(ctx, cfg.RedisURL, cfg.PoolSize)
		if err != nil {
			return lockProvider{}, fmt.Errorf("connect redis: %w", err)
		}
		l := redislock.New(client, redislock.Config{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
		})
		logger.Info().Dur("ttl", cfg.TTL).Msg("redis tenant lock ready")
		return lockProvider{locker: l, health: l, close: client.Close}, nil

	default:
		return lockProvider{}, fmt.Errorf("unknown lock driver: %s", cfg.Driver)
	}
}

func newBilling(cfg config.BillingConfig) (ports.BillingProvider, error) {
	return payment.NewProvider(payment.Config{
		Provider:          cfg.Provider,
		StripeSecretKey:   cfg.StripeSecretKey,
		StripeAPIURL:      cfg.StripeAPIURL,
		MaxNetworkRetries: cfg.MaxNetworkRetries,
		Timeout:           cfg.Timeout,
		DummyOutcome:      payment.Outcome(cfg.DummyOutcome),
	})
}

// newPublisher fans decisions out to the log and every configured webhook.
func newPublisher(cfg config.NotifyConfig, logger zerolog.Logger) ports.DecisionPublisher {
	var pubs notify.Multi
	if cfg.Log {
		pubs = append(pubs, notify.NewLogPublisher(logger))
	}
	for _, w := range cfg.Webhooks {
		pubs = append(pubs, notify.NewWebhookPublisher(notify.WebhookConfig{
			URL:     w.URL,
			Secret:  w.Secret,
			Events:  w.Events,
			Timeout: w.Timeout,
		}, logger))
		logger.Info().Str("url", w.URL).Strs("events", w.Events).Msg("decision webhook registered")
	}
	return pubs
}
