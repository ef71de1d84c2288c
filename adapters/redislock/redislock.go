// Package redislock provides a Redis-backed ports.TenantLocker for running
// several trialgate replicas against one ledger.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/trialgate/ports"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the locker.
type Config struct {
	// Prefix is prepended to every lock key.
	Prefix string

	// TTL bounds how long a crashed holder can keep a tenant locked.
	// It must exceed the longest critical section, billing calls included.
	TTL time.Duration

	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

// Locker implements ports.TenantLocker with SET NX PX.
type Locker struct {
	client *redis.Client
	cfg    Config
}

// New creates a locker on an existing client.
func New(client *redis.Client, cfg Config) *Locker {
	if cfg.Prefix == "" {
		cfg.Prefix = "trialgate:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 20 * time.Millisecond
	}
	return &Locker{client: client, cfg: cfg}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Lock blocks until the tenant lock is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, tenantID string) (func(), error) {
	key := l.cfg.Prefix + tenantID
	token := uuid.NewString()

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s: %w", ports.ErrLockFailed, tenantID, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ports.ErrLockFailed, tenantID, ctx.Err())
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's ctx may already be canceled; release regardless.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		unlockScript.Run(unlockCtx, l.client, []string{key}, token)
	}, nil
}

// Ping verifies Redis is reachable.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ ports.TenantLocker = (*Locker)(nil)
