package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/normalize"
)

// DiscoveryResult summarizes one discovery pass.
type DiscoveryResult struct {
	Candidates []string `json:"candidates"`
	Registered []string `json:"registered"`
	Ineligible []string `json:"ineligible"`
	Inserted   int      `json:"inserted"`
}

// bootstrapFunc ingests a freshly registered entity over an unbounded window.
type bootstrapFunc func(ctx context.Context, id string) Outcome

// Discovery grows the entity set from references found in stored messages.
type Discovery struct {
	store       database.Store
	eligibility *Eligibility
	watermarks  *Watermarks
	bootstrap   bootstrapFunc
	logger      *zap.Logger
}

// Run scans stored telegram_source_url values, registers every eligible
// reference not known yet and bootstraps it. ids in known count as already
// tracked. Running it again without new references changes nothing.
func (d *Discovery) Run(ctx context.Context, known ...string) (DiscoveryResult, error) {
	var res DiscoveryResult

	refs, err := d.store.DistinctSourceRefs(ctx)
	if err != nil {
		return res, fmt.Errorf("discovery: %w", err)
	}
	tracked, err := d.store.ListEntityIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("discovery: %w", err)
	}

	seen := make(map[string]struct{}, len(tracked)+len(known))
	for _, id := range append(tracked, known...) {
		seen[refKey(id)] = struct{}{}
	}

	for _, ref := range refs {
		canonical := normalize.CanonicalRef(ref)
		if canonical == "" {
			continue
		}
		key := refKey(canonical)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		res.Candidates = append(res.Candidates, canonical)
	}

	for _, id := range res.Candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !d.eligibility.Check(ctx, id) {
			res.Ineligible = append(res.Ineligible, id)
			continue
		}
		created, err := d.watermarks.Register(ctx, id)
		if err != nil {
			d.logger.Error("Failed to register discovered entity", zap.String("entity", id), zap.Error(err))
			continue
		}
		if !created {
			continue
		}
		res.Registered = append(res.Registered, id)
		d.logger.Info("Registered discovered entity", zap.String("entity", id))

		if d.bootstrap != nil {
			out := d.bootstrap(ctx, id)
			res.Inserted += out.Inserted
		}
	}
	return res, nil
}

// refKey compares references case-insensitively in canonical form, since
// Telegram usernames are not case sensitive.
func refKey(id string) string {
	if c := normalize.CanonicalRef(id); c != "" {
		id = c
	}
	return strings.ToLower(id)
}
