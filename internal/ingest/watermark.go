package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/model"
)

// Watermarks tracks per-entity progress in the warehouse.
type Watermarks struct {
	store database.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWatermarks creates a watermark store over store.
func NewWatermarks(store database.Store) *Watermarks {
	return &Watermarks{store: store, locks: make(map[string]*sync.Mutex)}
}

// Lock serializes work on one entity. Call the returned func to release it.
func (w *Watermarks) Lock(id string) func() {
	w.mu.Lock()
	l, ok := w.locks[id]
	if !ok {
		l = &sync.Mutex{}
		w.locks[id] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the last fetch time of id, or nil when it has none.
func (w *Watermarks) Get(ctx context.Context, id string) (*time.Time, error) {
	wm, err := w.store.GetWatermark(ctx, id)
	if err != nil {
		return nil, err
	}
	if wm == nil {
		return nil, nil
	}
	return wm.LastFetchTime, nil
}

// Upsert advances the watermark of id to the newest timestamp in batch and
// clears its first-time flag. An empty batch is a no-op.
func (w *Watermarks) Upsert(ctx context.Context, id string, batch []model.Message) error {
	newest, ok := Newest(batch)
	if !ok {
		return nil
	}
	if err := w.store.UpsertWatermark(ctx, id, newest); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	return nil
}

// Register records a newly discovered entity with no watermark.
func (w *Watermarks) Register(ctx context.Context, id string) (bool, error) {
	created, err := w.store.RegisterEntity(ctx, id)
	if err != nil {
		return false, fmt.Errorf("watermark: %w", err)
	}
	return created, nil
}

// Newest returns the latest timestamp in batch.
func Newest(batch []model.Message) (time.Time, bool) {
	var newest time.Time
	for _, m := range batch {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest, !newest.IsZero()
}
