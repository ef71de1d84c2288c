package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/trialgate/ports"
)

// keyLock is a one-slot semaphore shared by every waiter of one tenant.
type keyLock struct {
	slot chan struct{}
	refs int
}

// TenantLocker is an in-process implementation of ports.TenantLocker.
// Locks are created on first use and dropped when the last waiter leaves,
// so memory stays proportional to the number of busy tenants.
type TenantLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewTenantLocker creates an empty locker.
func NewTenantLocker() *TenantLocker {
	return &TenantLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until the tenant lock is held or ctx is done.
func (l *TenantLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[tenantID]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		l.locks[tenantID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(tenantID, kl)
		return nil, fmt.Errorf("%w: %s: %w", ports.ErrLockFailed, tenantID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.slot
			l.release(tenantID, kl)
		})
	}, nil
}

func (l *TenantLocker) release(tenantID string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, tenantID)
	}
}

// Len returns the number of tenants with holders or waiters (for testing).
func (l *TenantLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Ensure interface compliance.
var _ ports.TenantLocker = (*TenantLocker)(nil)
