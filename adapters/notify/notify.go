// Package notify delivers trial decisions to downstream collaborators.
package notify

import (
	"context"
	"errors"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/ports"
	"github.com/rs/zerolog"
)

// LogPublisher writes every decision to the log.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs decisions.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the snapshot.
func (p *LogPublisher) Publish(ctx context.Context, eventType string, snap trial.Snapshot) error {
	ev := p.logger.Info()
	if snap.IsBlocked {
		ev = p.logger.Warn()
	}
	ev.Str("event_type", eventType).
		Fields(snap.Fields()).
		Msg("trial decision")
	return nil
}

// Multi fans a decision out to several publishers.
// Every publisher is attempted; failures are joined.
type Multi []ports.DecisionPublisher

// Publish delivers to each publisher in order.
func (m Multi) Publish(ctx context.Context, eventType string, snap trial.Snapshot) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, eventType, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ ports.DecisionPublisher = (*LogPublisher)(nil)
	_ ports.DecisionPublisher = Multi(nil)
)
