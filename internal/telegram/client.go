// Package telegram provides read-only clients for public Telegram sources.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"github.com/bryan-buckman/televore/internal/model"
)

// DefaultBaseURL is the public web endpoint used for previews and resolution.
const DefaultBaseURL = "https://t.me"

const userAgent = "Mozilla/5.0 (compatible; televore/1.0)"

// Resolver looks up metadata about an entity.
type Resolver interface {
	Resolve(ctx context.Context, id string) (model.EntityInfo, error)
}

// Source streams the messages of an entity.
type Source interface {
	// Stream calls fn for every message of id, oldest first. Messages dated at or
	// before since, or with an ID not greater than afterID, are skipped. A
	// *RateLimitError may be returned at any point; messages already passed to fn
	// stay delivered and the caller resumes with afterID set to the last one.
	Stream(ctx context.Context, id string, since *time.Time, afterID int64, fn func(model.RawMessage) error) error
}

// Client is a Resolver that is also a Source.
type Client interface {
	Resolver
	Source
}

// Combined glues an independent Resolver and Source into a Client.
type Combined struct {
	Resolver
	Source
}

// Transport issues paced HTTP GET requests. One Transport is shared by every
// client so all entities draw from the same request budget.
type Transport struct {
	client  *http.Client
	limiter ratelimit.Limiter
	now     func() time.Time
}

// NewTransport creates a Transport allowing rps requests per second. rps <= 0
// disables pacing.
func NewTransport(client *http.Client, rps int) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &Transport{client: client, limiter: limiter, now: time.Now}
}

// Get fetches url and returns its body. HTTP 429 becomes a *RateLimitError.
func (t *Transport) Get(ctx context.Context, op, url string) ([]byte, error) {
	t.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Op: op, Wait: retryAfter(resp.Header, t.now())}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected status code: %d", op, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return body, nil
}
