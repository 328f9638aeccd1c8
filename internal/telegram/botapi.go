package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
)

// BotResolver resolves entities through the Bot API getChat method.
type BotResolver struct {
	bot *tgbot.Bot
}

// Ensure BotResolver implements Resolver.
var _ Resolver = (*BotResolver)(nil)

// NewBotResolver creates a resolver authenticated with token. serverURL overrides
// the Bot API endpoint when not empty.
func NewBotResolver(token, serverURL string) (*BotResolver, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	opts := []tgbot.Option{tgbot.WithSkipGetMe()}
	if serverURL != "" {
		opts = append(opts, tgbot.WithServerURL(serverURL))
	}
	b, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &BotResolver{bot: b}, nil
}

// Resolve calls getChat with the public @name (or numeric id) of the entity.
func (r *BotResolver) Resolve(ctx context.Context, id string) (model.EntityInfo, error) {
	chatID := chatRef(id)
	if chatID == "" {
		return model.EntityInfo{}, fmt.Errorf("resolve %q: %w", id, ErrNotFound)
	}

	chat, err := r.bot.GetChat(ctx, &tgbot.GetChatParams{ChatID: chatID})
	if err != nil {
		var tooMany *tgbot.TooManyRequestsError
		switch {
		case errors.As(err, &tooMany):
			wait := time.Duration(tooMany.RetryAfter) * time.Second
			if wait <= 0 {
				wait = DefaultRetryAfter
			}
			return model.EntityInfo{}, &RateLimitError{Op: "getChat", Wait: wait}
		case errors.Is(err, tgbot.ErrorNotFound), errors.Is(err, tgbot.ErrorBadRequest):
			return model.EntityInfo{}, fmt.Errorf("resolve %q: %w: %v", id, ErrNotFound, err)
		default:
			return model.EntityInfo{}, fmt.Errorf("resolve %q: %w", id, err)
		}
	}

	kind := model.KindUnknown
	switch string(chat.Type) {
	case "private":
		kind = model.KindUser
		if strings.HasSuffix(strings.ToLower(chat.Username), "bot") {
			kind = model.KindBot
		}
	case "group":
		kind = model.KindGroup
	case "supergroup":
		kind = model.KindSupergroup
	case "channel":
		kind = model.KindChannel
	}
	title := chat.Title
	if title == "" {
		title = chat.FirstName
	}
	return model.EntityInfo{ID: id, Title: title, Kind: kind}, nil
}

// chatRef converts an entity id into a getChat chat_id: numeric ids pass through,
// everything else becomes @username.
func chatRef(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if strings.TrimLeft(id, "-0123456789") == "" {
		return id
	}
	name := normalize.Username(id)
	if name == "" {
		return ""
	}
	return "@" + name
}
