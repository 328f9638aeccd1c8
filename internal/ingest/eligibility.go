package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/fetch"
	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/telegram"
)

// Eligibility decides whether an entity is a group or channel worth ingesting.
type Eligibility struct {
	resolver telegram.Resolver
	throttle *fetch.Throttle
	logger   *zap.Logger
}

// NewEligibility creates an eligibility filter over resolver.
func NewEligibility(resolver telegram.Resolver, throttle *fetch.Throttle, logger *zap.Logger) *Eligibility {
	if throttle == nil {
		throttle = fetch.NewThrottle(0, logger, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Eligibility{resolver: resolver, throttle: throttle, logger: logger}
}

// Check resolves id and reports whether it is a group, supergroup or channel.
// Throttled lookups are retried after the signalled wait. Any other failure
// makes the entity ineligible.
func (e *Eligibility) Check(ctx context.Context, id string) bool {
	var info model.EntityInfo
	err := e.throttle.Do(ctx, id, func() error {
		var err error
		info, err = e.resolver.Resolve(ctx, id)
		return err
	})
	if err != nil {
		e.logger.Warn("Entity resolution failed, treating as ineligible",
			zap.String("entity", id),
			zap.Error(err),
		)
		return false
	}
	if !info.Kind.Scrapeable() {
		e.logger.Info("Entity is not a group or channel",
			zap.String("entity", id),
			zap.String("kind", string(info.Kind)),
		)
		return false
	}
	return true
}
