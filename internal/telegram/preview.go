package telegram

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
)

// DefaultPageLimit bounds how many preview pages each phase of a Stream call
// reads.
const DefaultPageLimit = 200

// PreviewClient reads public groups and channels through the t.me web preview.
type PreviewClient struct {
	transport *Transport
	baseURL   string
	pageLimit int
}

// Ensure PreviewClient implements Client.
var _ Client = (*PreviewClient)(nil)

// NewPreviewClient creates a preview client rooted at baseURL (DefaultBaseURL when
// empty). pageLimit <= 0 uses DefaultPageLimit.
func NewPreviewClient(t *Transport, baseURL string, pageLimit int) *PreviewClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	return &PreviewClient{
		transport: t,
		baseURL:   strings.TrimRight(baseURL, "/"),
		pageLimit: pageLimit,
	}
}

// Resolve classifies the entity from its public landing page.
func (c *PreviewClient) Resolve(ctx context.Context, id string) (model.EntityInfo, error) {
	name := normalize.Username(id)
	if name == "" {
		return model.EntityInfo{}, fmt.Errorf("resolve %q: %w", id, ErrNotFound)
	}

	body, err := c.transport.Get(ctx, "resolve", c.baseURL+"/"+url.PathEscape(name))
	if err != nil {
		return model.EntityInfo{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return model.EntityInfo{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find(".tgme_page_title").First().Text())
	if title == "" {
		return model.EntityInfo{}, fmt.Errorf("resolve %q: %w", id, ErrNotFound)
	}
	return model.EntityInfo{
		ID:    id,
		Title: title,
		Kind:  landingKind(doc, name),
	}, nil
}

// landingKind infers the entity kind from the counters shown on a landing page.
func landingKind(doc *goquery.Document, name string) model.EntityKind {
	extra := strings.ToLower(doc.Find(".tgme_page_extra").First().Text())
	switch {
	case strings.Contains(extra, "subscriber"):
		return model.KindChannel
	case strings.Contains(extra, "member"), strings.Contains(extra, "online"):
		return model.KindSupergroup
	case strings.HasSuffix(strings.ToLower(name), "bot"):
		return model.KindBot
	case strings.Contains(extra, "@"):
		return model.KindUser
	default:
		return model.KindUnknown
	}
}

// Stream emits the messages of id newer than since, oldest first. The walk
// first locates the last message at or before since, then pages forward from
// it. At most pageLimit pages are read per phase; hitting the limit while
// paging forward ends the stream early with a contiguous oldest-first prefix.
func (c *PreviewClient) Stream(ctx context.Context, id string, since *time.Time, afterID int64, fn func(model.RawMessage) error) error {
	name := normalize.Username(id)
	if name == "" {
		return fmt.Errorf("stream %q: %w", id, ErrNotFound)
	}
	if afterID <= 0 && since != nil {
		boundary, err := c.boundary(ctx, name, *since)
		if err != nil {
			return err
		}
		afterID = boundary
	}
	return c.streamForward(ctx, name, afterID, fn)
}

// boundary returns the id of the newest message dated at or before since, or
// 0 when every message is newer. Message ids grow with their dates, so the
// search bisects the id space with "before" pages.
func (c *PreviewClient) boundary(ctx context.Context, name string, since time.Time) (int64, error) {
	msgs, err := c.page(ctx, name, "before", 0)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if id, ok := lastAtOrBefore(msgs, since); ok {
		return id, nil
	}

	// Every id <= lo is dated at or before since or does not exist. Every id
	// >= hi is newer than since.
	lo, hi := int64(0), msgs[0].ID
	for pages := 1; hi-lo > 1; pages++ {
		if pages >= c.pageLimit {
			return 0, fmt.Errorf("%s: boundary between ids %d and %d: %w", name, lo, hi, ErrPageLimit)
		}
		mid := lo + (hi-lo)/2 + 1
		msgs, err := c.page(ctx, name, "before", mid)
		if err != nil {
			return 0, err
		}
		var below []model.RawMessage
		for _, m := range msgs {
			if m.ID < mid {
				below = append(below, m)
			}
		}
		switch {
		case len(below) == 0:
			// Nothing exists below mid.
			lo = mid - 1
		case !below[len(below)-1].Date.After(since):
			// The page holds the messages right before mid, so nothing
			// exists between its newest message and mid.
			lo = mid - 1
		default:
			if id, ok := lastAtOrBefore(below, since); ok {
				return id, nil
			}
			hi = below[0].ID
		}
	}
	return lo, nil
}

// lastAtOrBefore returns the id of the newest message in msgs, ordered by id,
// that is not newer than since. It fails when msgs[0] is already newer.
func lastAtOrBefore(msgs []model.RawMessage, since time.Time) (int64, bool) {
	var id int64
	found := false
	for _, m := range msgs {
		if m.Date.After(since) {
			break
		}
		id, found = m.ID, true
	}
	return id, found
}

func (c *PreviewClient) streamForward(ctx context.Context, name string, afterID int64, fn func(model.RawMessage) error) error {
	cursor := afterID
	for page := 0; page < c.pageLimit; page++ {
		msgs, err := c.page(ctx, name, "after", cursor)
		if err != nil {
			return err
		}
		progressed := false
		for _, m := range msgs {
			if m.ID <= cursor {
				continue
			}
			if err := fn(m); err != nil {
				return err
			}
			cursor = m.ID
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// page fetches one preview page. Messages are returned in ascending ID order.
func (c *PreviewClient) page(ctx context.Context, name, dir string, cursor int64) ([]model.RawMessage, error) {
	u := c.baseURL + "/s/" + url.PathEscape(name)
	if cursor > 0 || dir == "after" {
		u += "?" + dir + "=" + strconv.FormatInt(cursor, 10)
	}
	body, err := c.transport.Get(ctx, "stream "+name, u)
	if err != nil {
		return nil, err
	}
	return ParsePreview(body)
}

// ParsePreview extracts the messages of a t.me/s/ page.
func ParsePreview(body []byte) ([]model.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var msgs []model.RawMessage
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		post, _ := s.Attr("data-post")
		id, ok := postID(post)
		if !ok {
			return
		}
		datetime, _ := s.Find(".tgme_widget_message_date time").First().Attr("datetime")
		date, err := time.Parse(time.RFC3339, datetime)
		if err != nil {
			return
		}

		text, urls := messageText(s.Find(".tgme_widget_message_text").First())
		m := model.RawMessage{
			ID:    id,
			Date:  date.UTC(),
			Text:  text,
			URLs:  urls,
			Media: previewMedia(s),
		}
		if author := strings.TrimSpace(s.Find(".tgme_widget_message_from_author").First().Text()); author != "" {
			m.SenderFirstName = &author
		}
		if views, ok := parseCount(s.Find(".tgme_widget_message_views").First().Text()); ok {
			m.Views = &views
		}
		msgs = append(msgs, m)
	})

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// postID parses the numeric suffix of a data-post value such as "durov/123".
func postID(post string) (int64, bool) {
	i := strings.LastIndex(post, "/")
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(post[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// messageText renders the text block as the sender wrote it, keeping line
// breaks. Link targets hidden behind anchor text are returned separately.
func messageText(s *goquery.Selection) (string, []string) {
	if s.Length() == 0 {
		return "", nil
	}
	s = s.Clone()
	s.Find("br").ReplaceWithHtml("\n")
	var hidden []string
	s.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		text := a.Text()
		if strings.HasPrefix(href, "http") && !strings.Contains(text, href) && !strings.HasPrefix(text, "@") {
			hidden = append(hidden, href)
		}
	})
	return strings.TrimSpace(s.Text()), hidden
}

func previewMedia(s *goquery.Selection) model.Media {
	switch {
	case s.Find(".tgme_widget_message_video_player, .tgme_widget_message_roundvideo_player").Length() > 0:
		return model.Media{Kind: model.MediaDocument, MIME: "video/mp4"}
	case s.Find(".tgme_widget_message_photo_wrap").Length() > 0:
		return model.Media{Kind: model.MediaPhoto}
	case s.Find(".tgme_widget_message_sticker_wrap").Length() > 0:
		return model.Media{Kind: model.MediaDocument, MIME: "application/x-tgsticker"}
	case s.Find(".tgme_widget_message_voice_player").Length() > 0:
		return model.Media{Kind: model.MediaDocument, MIME: "audio/ogg"}
	case s.Find(".tgme_widget_message_document_wrap").Length() > 0:
		return model.Media{Kind: model.MediaDocument}
	case s.Find(".tgme_widget_message_poll, .tgme_widget_message_location_wrap").Length() > 0:
		return model.Media{Kind: model.MediaOther}
	default:
		return model.Media{Kind: model.MediaNone}
	}
}

// parseCount reads counters such as "987", "1.2K" or "3M".
func parseCount(s string) (int64, bool) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f*mult + 0.5), true
}
