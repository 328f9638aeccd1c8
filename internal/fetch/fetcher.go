// Package fetch pulls raw messages for one entity, honouring throttle signals.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/telegram"
)

// Request describes one fetch. All bounds are optional.
type Request struct {
	EntityID  string
	Watermark *time.Time
	From      *time.Time
	To        *time.Time
}

// Fetcher streams messages from a telegram.Source.
type Fetcher struct {
	source   telegram.Source
	throttle *Throttle
}

// New creates a Fetcher reading from source. A nil throttle waits without bound.
func New(source telegram.Source, throttle *Throttle) *Fetcher {
	if throttle == nil {
		throttle = NewThrottle(0, nil, nil)
	}
	return &Fetcher{source: source, throttle: throttle}
}

// EffectiveStart returns the later of from and watermark, whichever are set.
// Nil means the beginning of history.
func EffectiveStart(from, watermark *time.Time) *time.Time {
	switch {
	case from != nil && watermark != nil:
		if watermark.After(*from) {
			return watermark
		}
		return from
	case from != nil:
		return from
	default:
		return watermark
	}
}

// Fetch returns the messages of req.EntityID after the effective start in
// chronological order. Messages dated after req.To are dropped. On a throttle
// signal the stream resumes after the last message already received.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]model.RawMessage, error) {
	since := EffectiveStart(req.From, req.Watermark)

	var (
		out     []model.RawMessage
		afterID int64
	)
	collect := func(m model.RawMessage) error {
		if m.ID <= afterID {
			return nil
		}
		afterID = m.ID
		if req.To != nil && m.Date.After(*req.To) {
			return nil
		}
		out = append(out, m)
		return nil
	}

	err := f.throttle.Do(ctx, req.EntityID, func() error {
		return f.source.Stream(ctx, req.EntityID, since, afterID, collect)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.EntityID, err)
	}
	return out, nil
}
