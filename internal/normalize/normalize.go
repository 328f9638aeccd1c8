// Package normalize converts raw source messages into warehouse rows.
package normalize

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/televore/internal/model"
)

// CanonicalPrefix is the prefix every discovered entity id carries.
const CanonicalPrefix = "https://t.me/"

var urlPattern = regexp.MustCompile(`https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)

// Checked in order; the first pattern that matches anywhere wins.
var telegramRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://t\.me/[a-z0-9_]{5,}`),
	regexp.MustCompile(`(?i)https?://telegram\.me/[a-z0-9_]{5,}`),
	regexp.MustCompile(`(?i)@[a-z0-9_]{5,}`),
}

// Message builds the canonical record for raw, owned by groupID. insertTime is
// stamped as the ingestion time. It never fails: missing attributes become nil.
func Message(raw model.RawMessage, groupID string, insertTime time.Time) model.Message {
	msg := model.Message{
		MessageID:   strconv.FormatInt(raw.ID, 10),
		GroupID:     groupID,
		MessageType: Type(raw.Media),
		Timestamp:   raw.Date.UTC(),
		InsertTime:  insertTime.UTC(),
		Source:      model.SourceTelegram,
		Links:       mergeLinks(Links(raw.Text), raw.URLs),
		Views:       raw.Views,
		Replies:     raw.Replies,
		Forwards:    raw.Forwards,
	}
	if raw.SenderID != nil {
		id := strconv.FormatInt(*raw.SenderID, 10)
		msg.SenderID = &id
	}
	if raw.SenderFirstName != nil && *raw.SenderFirstName != "" {
		name := *raw.SenderFirstName
		msg.SenderName = &name
	}
	if raw.Text != "" {
		text := raw.Text
		msg.MessageText = &text
	}
	if ref := TelegramRef(raw.Text); ref != "" {
		msg.TelegramSourceURL = &ref
	}
	return msg
}

// Type derives the message type from its media attachment.
func Type(m model.Media) model.MessageType {
	switch m.Kind {
	case model.MediaNone:
		return model.MessageText
	case model.MediaPhoto:
		return model.MessageImage
	case model.MediaDocument:
		switch {
		case strings.HasPrefix(m.MIME, "video/"):
			return model.MessageVideo
		case strings.HasPrefix(m.MIME, "image/"):
			return model.MessageImage
		default:
			return model.MessageOther
		}
	default:
		return model.MessageOther
	}
}

// Links returns every URL found in text, in order of appearance.
func Links(text string) []string {
	if text == "" {
		return []string{}
	}
	found := urlPattern.FindAllString(text, -1)
	if found == nil {
		return []string{}
	}
	return found
}

// mergeLinks appends the entries of extra missing from links.
func mergeLinks(links, extra []string) []string {
	for _, u := range extra {
		if !slices.Contains(links, u) {
			links = append(links, u)
		}
	}
	return links
}

// TelegramRef returns the first reference to another Telegram source found in
// text, or "" when there is none.
func TelegramRef(text string) string {
	if text == "" {
		return ""
	}
	for _, p := range telegramRefPatterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// CanonicalRef rewrites a reference extracted by TelegramRef into the
// https://t.me/<name> form used as entity id. It returns "" for anything that is
// not a Telegram reference.
func CanonicalRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	ref = strings.TrimPrefix(ref, "@")
	if ref == "" {
		return ""
	}

	lower := strings.ToLower(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "https://telegram.me/", "http://telegram.me/"} {
		if strings.HasPrefix(lower, prefix) {
			name := ref[len(prefix):]
			if name == "" {
				return ""
			}
			return CanonicalPrefix + name
		}
	}
	if strings.HasPrefix(lower, "http") || strings.ContainsAny(ref, "/:. ") {
		return ""
	}
	return CanonicalPrefix + ref
}

// Username extracts the public name from an entity id, accepting canonical
// links, @mentions and bare names.
func Username(entityID string) string {
	id := strings.TrimSpace(entityID)
	if canonical := CanonicalRef(id); canonical != "" {
		id = strings.TrimPrefix(canonical, CanonicalPrefix)
	}
	if i := strings.IndexAny(id, "/?#"); i >= 0 {
		id = id[:i]
	}
	return id
}
