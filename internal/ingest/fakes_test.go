package ingest_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/telegram"
)

// memStore is an in-memory database.Store.
type memStore struct {
	mu       sync.Mutex
	messages map[model.Key]model.Message
	wms      map[string]model.Watermark

	existingCalls int
	appendCalls   int
	appendErr     error
	touched       bool
}

var _ database.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[model.Key]model.Message),
		wms:      make(map[string]model.Watermark),
	}
}

func (s *memStore) touch() {
	s.touched = true
}

func (s *memStore) Close() error                      { return nil }
func (s *memStore) DatabaseType() string              { return "memory" }
func (s *memStore) SupportsHighConcurrency() bool     { return true }
func (s *memStore) Migrate(ctx context.Context) error { return nil }

func (s *memStore) AppendMessages(_ context.Context, msgs []model.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.appendCalls++
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	n := 0
	for _, m := range msgs {
		if _, ok := s.messages[m.Key()]; ok {
			continue
		}
		s.messages[m.Key()] = m
		n++
	}
	return n, nil
}

func (s *memStore) ExistingKeys(_ context.Context, keys []model.Key) (map[model.Key]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.existingCalls++
	out := make(map[model.Key]struct{})
	for _, k := range keys {
		if _, ok := s.messages[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) DistinctSourceRefs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	set := make(map[string]struct{})
	for _, m := range s.messages {
		if m.TelegramSourceURL != nil && *m.TelegramSourceURL != "" {
			set[*m.TelegramSourceURL] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) GetWatermark(_ context.Context, groupID string) (*model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	wm, ok := s.wms[groupID]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

func (s *memStore) UpsertWatermark(_ context.Context, groupID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	wm := s.wms[groupID]
	wm.GroupID = groupID
	if wm.LastFetchTime == nil || ts.After(*wm.LastFetchTime) {
		t := ts
		wm.LastFetchTime = &t
	}
	wm.IsFirstTime = false
	s.wms[groupID] = wm
	return nil
}

func (s *memStore) RegisterEntity(_ context.Context, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if _, ok := s.wms[groupID]; ok {
		return false, nil
	}
	s.wms[groupID] = model.Watermark{GroupID: groupID, IsFirstTime: true}
	return true, nil
}

func (s *memStore) ListEntityIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	out := make([]string, 0, len(s.wms))
	for id := range s.wms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ListWatermarks(context.Context) ([]model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	out := make([]model.Watermark, 0, len(s.wms))
	for _, wm := range s.wms {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (s *memStore) watermark(id string) (model.Watermark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.wms[id]
	return wm, ok
}

func (s *memStore) count(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.messages {
		if k.GroupID == groupID {
			n++
		}
	}
	return n
}

// fakeTelegram resolves entity kinds and serves raw messages per entity.
type fakeTelegram struct {
	mu        sync.Mutex
	kinds     map[string]model.EntityKind
	messages  map[string][]model.RawMessage
	streamErr map[string]error
	throttles int
	resolved  []string
	streamed  []string
}

var _ telegram.Client = (*fakeTelegram)(nil)

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{
		kinds:     make(map[string]model.EntityKind),
		messages:  make(map[string][]model.RawMessage),
		streamErr: make(map[string]error),
	}
}

func (f *fakeTelegram) add(id string, kind model.EntityKind, msgs ...model.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[id] = kind
	f.messages[id] = append(f.messages[id], msgs...)
}

func (f *fakeTelegram) Resolve(_ context.Context, id string) (model.EntityInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id)
	if f.throttles > 0 {
		f.throttles--
		return model.EntityInfo{}, &telegram.RateLimitError{Op: "resolve", Wait: time.Second}
	}
	kind, ok := f.kinds[id]
	if !ok {
		return model.EntityInfo{}, telegram.ErrNotFound
	}
	return model.EntityInfo{ID: id, Kind: kind}, nil
}

func (f *fakeTelegram) Stream(_ context.Context, id string, since *time.Time, afterID int64, fn func(model.RawMessage) error) error {
	f.mu.Lock()
	f.streamed = append(f.streamed, id)
	err := f.streamErr[id]
	msgs := append([]model.RawMessage(nil), f.messages[id]...)
	f.mu.Unlock()

	if err != nil {
		return err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	for _, m := range msgs {
		if m.ID <= afterID || (since != nil && !m.Date.After(*since)) {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTelegram) streamedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamed...)
}

func raw(id int64, date time.Time, text string) model.RawMessage {
	return model.RawMessage{ID: id, Date: date, Text: text}
}

var errBoom = errors.New("boom")
