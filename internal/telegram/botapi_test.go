package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/televore/internal/model"
)

// fakeBotAPI answers getChat from a fixed table keyed by chat_id.
func fakeBotAPI(t *testing.T, chats map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getChat") {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		w.Header().Set("Content-Type", "application/json")
		body, ok := chats[r.FormValue("chat_id")]
		if !ok {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			return
		}
		fmt.Fprint(w, body)
	}))
}

func TestBotResolver(t *testing.T) {
	t.Parallel()

	srv := fakeBotAPI(t, map[string]string{
		"@news_room":  `{"ok":true,"result":{"id":-1001,"type":"channel","title":"News"}}`,
		"@chat_room":  `{"ok":true,"result":{"id":-1002,"type":"supergroup","title":"Chat"}}`,
		"@helper_bot": `{"ok":true,"result":{"id":42,"type":"private","first_name":"Helper","username":"helper_bot"}}`,
		"@some_user":  `{"ok":true,"result":{"id":43,"type":"private","first_name":"Some","username":"some_user"}}`,
		"-1003":       `{"ok":true,"result":{"id":-1003,"type":"group","title":"Old group"}}`,
		"@busy_room":  `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 9","parameters":{"retry_after":9}}`,
	})
	defer srv.Close()

	r, err := NewBotResolver("123:abc", srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		id    string
		kind  model.EntityKind
		title string
	}{
		{"https://t.me/news_room", model.KindChannel, "News"},
		{"chat_room", model.KindSupergroup, "Chat"},
		{"@helper_bot", model.KindBot, "Helper"},
		{"some_user", model.KindUser, "Some"},
		{"-1003", model.KindGroup, "Old group"},
	}
	for _, tt := range tests {
		info, err := r.Resolve(ctx, tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.kind, info.Kind, tt.id)
		assert.Equal(t, tt.title, info.Title, tt.id)
	}

	_, err = r.Resolve(ctx, "ghost_room")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(ctx, "busy_room")
	rl, ok := AsRateLimit(err)
	require.True(t, ok, "expected rate limit error, got %v", err)
	assert.Equal(t, 9*time.Second, rl.Wait)
}

func TestNewBotResolverRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewBotResolver("", "")
	require.Error(t, err)
}

func TestChatRef(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "-100123", chatRef("-100123"))
	assert.Equal(t, "@durov", chatRef("https://t.me/durov"))
	assert.Equal(t, "@durov", chatRef("@durov"))
	assert.Equal(t, "", chatRef("  "))
}
