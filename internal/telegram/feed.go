package telegram

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
)

// FeedClient reads channels through an RSS/Atom bridge such as RSSHub. The URL
// template receives the channel username through a single %s verb.
type FeedClient struct {
	transport   *Transport
	urlTemplate string
	parser      *gofeed.Parser
}

// Ensure FeedClient implements Source.
var _ Source = (*FeedClient)(nil)

// NewFeedClient creates a feed bridge client.
func NewFeedClient(t *Transport, urlTemplate string) (*FeedClient, error) {
	if strings.Count(urlTemplate, "%s") != 1 {
		return nil, fmt.Errorf("feed url template must contain exactly one %%s: %q", urlTemplate)
	}
	return &FeedClient{
		transport:   t,
		urlTemplate: urlTemplate,
		parser:      gofeed.NewParser(),
	}, nil
}

// Stream fetches the bridge feed once and emits its items oldest first. Bridges
// only expose recent items, so there is no paging.
func (c *FeedClient) Stream(ctx context.Context, id string, since *time.Time, afterID int64, fn func(model.RawMessage) error) error {
	name := normalize.Username(id)
	if name == "" {
		return fmt.Errorf("stream %q: %w", id, ErrNotFound)
	}

	body, err := c.transport.Get(ctx, "feed "+name, fmt.Sprintf(c.urlTemplate, url.PathEscape(name)))
	if err != nil {
		return err
	}
	parsed, err := c.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse feed %s: %w", name, err)
	}

	msgs := make([]model.RawMessage, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		m, ok := feedItem(item)
		if !ok {
			continue
		}
		if m.ID <= afterID {
			continue
		}
		if since != nil && !m.Date.After(*since) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	for _, m := range msgs {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func feedItem(item *gofeed.Item) (model.RawMessage, bool) {
	ref := item.Link
	if ref == "" {
		ref = item.GUID
	}
	id, ok := postID(strings.TrimRight(ref, "/"))
	if !ok {
		return model.RawMessage{}, false
	}
	date := item.PublishedParsed
	if date == nil {
		date = item.UpdatedParsed
	}
	if date == nil {
		return model.RawMessage{}, false
	}

	text, urls := htmlText(item.Content, item.Description)
	m := model.RawMessage{
		ID:    id,
		Date:  date.UTC(),
		Text:  text,
		URLs:  urls,
		Media: enclosureMedia(item.Enclosures),
	}
	if item.Author != nil && item.Author.Name != "" {
		name := item.Author.Name
		m.SenderFirstName = &name
	}
	return m, true
}

func htmlText(candidates ...string) (string, []string) {
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(c))
		if err != nil {
			return strings.TrimSpace(c), nil
		}
		return messageText(doc.Selection)
	}
	return "", nil
}

func enclosureMedia(encs []*gofeed.Enclosure) model.Media {
	if len(encs) == 0 || encs[0] == nil {
		return model.Media{Kind: model.MediaNone}
	}
	mime := strings.ToLower(encs[0].Type)
	if strings.HasPrefix(mime, "image/") {
		return model.Media{Kind: model.MediaPhoto}
	}
	return model.Media{Kind: model.MediaDocument, MIME: mime}
}
