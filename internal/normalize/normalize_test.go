package normalize_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
)

func ptr[T any](v T) *T { return &v }

func TestType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		media model.Media
		want  model.MessageType
	}{
		{"no media", model.Media{Kind: model.MediaNone}, model.MessageText},
		{"photo", model.Media{Kind: model.MediaPhoto}, model.MessageImage},
		{"video document", model.Media{Kind: model.MediaDocument, MIME: "video/mp4"}, model.MessageVideo},
		{"image document", model.Media{Kind: model.MediaDocument, MIME: "image/webp"}, model.MessageImage},
		{"pdf document", model.Media{Kind: model.MediaDocument, MIME: "application/pdf"}, model.MessageOther},
		{"sticker document", model.Media{Kind: model.MediaDocument, MIME: "application/x-tgsticker"}, model.MessageOther},
		{"document without mime", model.Media{Kind: model.MediaDocument}, model.MessageOther},
		{"poll or geo", model.Media{Kind: model.MediaOther}, model.MessageOther},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalize.Type(tt.media))
		})
	}
}

func TestLinks(t *testing.T) {
	t.Parallel()

	assert.Empty(t, normalize.Links(""))
	assert.Empty(t, normalize.Links("no links here"))
	assert.Equal(t,
		[]string{"https://example.com/a?b=1", "http://t.me/somegroup"},
		normalize.Links("see https://example.com/a?b=1 and http://t.me/somegroup"))
}

func TestTelegramRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", ""},
		{"mention", "join @cool_group_99 now", "@cool_group_99"},
		{"short mention ignored", "hi @abcd", ""},
		{"t.me wins over mention", "@first_mention then https://t.me/second_link", "https://t.me/second_link"},
		{"telegram.me wins over mention", "@mention_one https://telegram.me/other_one", "https://telegram.me/other_one"},
		{"t.me wins over telegram.me", "https://telegram.me/aaaaaa https://t.me/bbbbbb", "https://t.me/bbbbbb"},
		{"case insensitive", "HTTPS://T.ME/Shouting", "HTTPS://T.ME/Shouting"},
		{"plain url", "https://example.com", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalize.TelegramRef(tt.text))
		})
	}
}

func TestCanonicalRef(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"@cool_group_99":              "https://t.me/cool_group_99",
		"cool_group_99":               "https://t.me/cool_group_99",
		"https://t.me/cool_group_99":  "https://t.me/cool_group_99",
		"http://t.me/cool_group_99":   "https://t.me/cool_group_99",
		"https://telegram.me/channel": "https://t.me/channel",
		"https://example.com/x":       "",
		"":                            "",
		"@":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalize.CanonicalRef(in), "input %q", in)
	}
}

func TestUsername(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "durov", normalize.Username("https://t.me/durov"))
	assert.Equal(t, "durov", normalize.Username("@durov"))
	assert.Equal(t, "durov", normalize.Username("durov"))
	assert.Equal(t, "durov", normalize.Username("https://t.me/durov/123"))
}

func TestMessage(t *testing.T) {
	t.Parallel()

	date := time.Date(2024, 1, 10, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	raw := model.RawMessage{
		ID:              42,
		Date:            date,
		Text:            "new place @cool_group_99 https://example.com/post",
		SenderID:        ptr(int64(777)),
		SenderFirstName: ptr("Ana"),
		Media:           model.Media{Kind: model.MediaPhoto},
		Views:           ptr(int64(10)),
	}

	msg := normalize.Message(raw, "https://t.me/source", now)

	assert.Equal(t, "42", msg.MessageID)
	assert.Equal(t, "https://t.me/source", msg.GroupID)
	require.NotNil(t, msg.SenderID)
	assert.Equal(t, "777", *msg.SenderID)
	require.NotNil(t, msg.SenderName)
	assert.Equal(t, "Ana", *msg.SenderName)
	assert.Equal(t, model.MessageImage, msg.MessageType)
	assert.Equal(t, date.UTC(), msg.Timestamp)
	assert.Equal(t, now, msg.InsertTime)
	assert.Equal(t, model.SourceTelegram, msg.Source)
	assert.Equal(t, []string{"https://example.com/post"}, msg.Links)
	require.NotNil(t, msg.TelegramSourceURL)
	assert.Equal(t, "@cool_group_99", *msg.TelegramSourceURL)
	assert.Equal(t, int64(10), *msg.Views)
	assert.Nil(t, msg.Replies)
	assert.Nil(t, msg.Forwards)
}

func TestMessageKeepsTextAndAddsHiddenLinks(t *testing.T) {
	t.Parallel()

	raw := model.RawMessage{
		ID:   7,
		Date: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
		Text: "read this and https://example.com/a",
		URLs: []string{"https://example.com/hidden", "https://example.com/a"},
	}

	msg := normalize.Message(raw, "g", time.Now())

	require.NotNil(t, msg.MessageText)
	assert.Equal(t, "read this and https://example.com/a", *msg.MessageText)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/hidden"}, msg.Links)
}

func TestMessageMissingFields(t *testing.T) {
	t.Parallel()

	msg := normalize.Message(model.RawMessage{ID: 1}, "g", time.Now())

	assert.Nil(t, msg.SenderID)
	assert.Nil(t, msg.SenderName)
	assert.Nil(t, msg.MessageText)
	assert.Nil(t, msg.TelegramSourceURL)
	assert.Equal(t, model.MessageText, msg.MessageType)
	assert.NotNil(t, msg.Links)
	assert.Empty(t, msg.Links)
}
