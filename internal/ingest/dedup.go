package ingest

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/model"
)

// DedupGate drops messages whose key is already in the warehouse.
type DedupGate struct {
	store database.Store
}

// NewDedupGate creates a gate backed by store.
func NewDedupGate(store database.Store) *DedupGate {
	return &DedupGate{store: store}
}

// Filter returns the messages of msgs not yet stored, keeping their order.
// Repeated keys inside msgs are kept once. An empty input issues no query.
func (g *DedupGate) Filter(ctx context.Context, msgs []model.Message) ([]model.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	keys := make([]model.Key, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.Key())
	}
	existing, err := g.store.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}

	fresh := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		k := m.Key()
		if _, ok := existing[k]; ok {
			continue
		}
		existing[k] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh, nil
}
