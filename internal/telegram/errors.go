package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrNotFound is returned when an entity does not exist or is not public.
var ErrNotFound = errors.New("telegram: entity not found")

// ErrPageLimit is returned when the page budget runs out before the start of
// the requested range is located.
var ErrPageLimit = errors.New("telegram: page limit reached before range start")

// DefaultRetryAfter is used when a throttled response carries no usable wait.
const DefaultRetryAfter = 5 * time.Second

// RateLimitError signals that the source asked us to back off for Wait.
type RateLimitError struct {
	Op   string
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram: %s throttled, retry after %s", e.Op, e.Wait)
}

// AsRateLimit unwraps err into a *RateLimitError.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}
