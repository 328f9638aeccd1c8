package ingest

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWindow is returned for unparsable or inverted run windows.
var ErrInvalidWindow = errors.New("ingest: invalid window")

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ParseWindow parses optional from and to bounds given as RFC 3339 timestamps
// or plain dates. Dates without a zone are UTC. Empty strings leave a bound
// open.
func ParseWindow(from, to string) (Window, error) {
	var w Window
	var err error
	if w.From, err = parseBound(from); err != nil {
		return Window{}, fmt.Errorf("%w: from: %w", ErrInvalidWindow, err)
	}
	if w.To, err = parseBound(to); err != nil {
		return Window{}, fmt.Errorf("%w: to: %w", ErrInvalidWindow, err)
	}
	if w.From != nil && w.To != nil && w.From.After(*w.To) {
		return Window{}, fmt.Errorf("%w: from %s is after to %s", ErrInvalidWindow, from, to)
	}
	return w, nil
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			t = t.UTC()
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
