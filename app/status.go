package app

import (
	"context"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
)

// StatusService answers read-only queries. It never takes the tenant lock;
// a snapshot reflects the last committed write.
type StatusService struct {
	*core
}

// NewStatusService creates a status service.
func NewStatusService(deps Deps, cfg Config) *StatusService {
	return &StatusService{core: newCore(deps, cfg)}
}

// Snapshot returns the current block decision for a tenant.
func (s *StatusService) Snapshot(ctx context.Context, tenantID string) (trial.Snapshot, error) {
	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return trial.Snapshot{}, err
	}
	p, err := s.currentPeriod(ctx, t)
	if err != nil {
		return trial.Snapshot{}, err
	}
	return s.snapshot(t, p, s.clock.Now().UTC()), nil
}

// Tenant returns the stored tenant.
func (s *StatusService) Tenant(ctx context.Context, tenantID string) (trial.Tenant, error) {
	return s.store.Get(ctx, tenantID)
}

// History returns all periods of a tenant, newest first.
func (s *StatusService) History(ctx context.Context, tenantID string) ([]usage.Period, error) {
	return s.store.History(ctx, tenantID)
}

// AppliedEvents returns the events counted in a period.
func (s *StatusService) AppliedEvents(ctx context.Context, periodID string) ([]usage.AppliedEvent, error) {
	return s.store.AppliedEvents(ctx, periodID)
}
