package telegram

import (
	"context"
	"os"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/channels"
	"github.com/parleyhq/parley/pkg/directory"
)

type stubResolver struct {
	bindings map[int64]*directory.Tenant
}

func (r *stubResolver) TenantByTelegramChat(chatID int64) (*directory.Tenant, bool) {
	t, ok := r.bindings[chatID]
	return t, ok
}

type dispatchRecorder struct {
	mu       sync.Mutex
	messages []channels.InboundMessage
	err      error
}

func (r *dispatchRecorder) dispatch(_ context.Context, msg channels.InboundMessage) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.messages = append(r.messages, msg)
	return nil, nil
}

func setupBot(resolver *stubResolver, recorder *dispatchRecorder) *Bot {
	return &Bot{
		resolver: resolver,
		dispatch: recorder.dispatch,
		logger:   zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	}
}

func chatMessage(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 42,
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
			From:      &tgbotapi.User{ID: 7, UserName: "alice"},
			Text:      text,
		},
	}
}

func TestBot_HandleInbound(t *testing.T) {
	tenant := &directory.Tenant{ID: "tenant-1"}

	t.Run("should dispatch messages from bound chats", func(t *testing.T) {
		recorder := &dispatchRecorder{}
		bot := setupBot(&stubResolver{bindings: map[int64]*directory.Tenant{1001: tenant}}, recorder)

		err := bot.handleInbound(chatMessage(1001, "hello"))
		require.NoError(t, err)

		require.Len(t, recorder.messages, 1)
		msg := recorder.messages[0]
		assert.Equal(t, "tenant-1", msg.TenantID)
		assert.Equal(t, "telegram", msg.Channel)
		assert.Equal(t, "1001", msg.ExternalContactID)
		assert.Equal(t, "hello", msg.Body)
		assert.Equal(t, "alice", msg.Metadata["username"])
	})

	t.Run("should ignore messages from unbound chats", func(t *testing.T) {
		recorder := &dispatchRecorder{}
		bot := setupBot(&stubResolver{bindings: map[int64]*directory.Tenant{}}, recorder)

		err := bot.handleInbound(chatMessage(9999, "hello"))
		require.NoError(t, err)
		assert.Empty(t, recorder.messages)
	})

	t.Run("should fall back to the caption for media messages", func(t *testing.T) {
		recorder := &dispatchRecorder{}
		bot := setupBot(&stubResolver{bindings: map[int64]*directory.Tenant{1001: tenant}}, recorder)

		update := chatMessage(1001, "")
		update.Message.Caption = "see attached"
		update.Message.Document = &tgbotapi.Document{FileID: "doc-1"}

		require.NoError(t, bot.handleInbound(update))

		require.Len(t, recorder.messages, 1)
		assert.Equal(t, "see attached", recorder.messages[0].Body)
		assert.Equal(t, []string{"telegram:document:doc-1"}, recorder.messages[0].Attachments)
	})

	t.Run("should drop empty messages", func(t *testing.T) {
		recorder := &dispatchRecorder{}
		bot := setupBot(&stubResolver{bindings: map[int64]*directory.Tenant{1001: tenant}}, recorder)

		require.NoError(t, bot.handleInbound(chatMessage(1001, "")))
		assert.Empty(t, recorder.messages)
	})

	t.Run("should surface dispatch errors", func(t *testing.T) {
		recorder := &dispatchRecorder{err: assert.AnError}
		bot := setupBot(&stubResolver{bindings: map[int64]*directory.Tenant{1001: tenant}}, recorder)

		err := bot.handleInbound(chatMessage(1001, "hello"))
		require.Error(t, err)
	})
}

func TestMediaAttachments(t *testing.T) {
	t.Run("should pick the largest photo size", func(t *testing.T) {
		msg := &tgbotapi.Message{
			Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
		}
		assert.Equal(t, []string{"telegram:photo:large"}, mediaAttachments(msg))
	})

	t.Run("should collect multiple media kinds", func(t *testing.T) {
		msg := &tgbotapi.Message{
			Voice:    &tgbotapi.Voice{FileID: "v1"},
			Document: &tgbotapi.Document{FileID: "d1"},
		}
		refs := mediaAttachments(msg)
		assert.Contains(t, refs, "telegram:voice:v1")
		assert.Contains(t, refs, "telegram:document:d1")
	})
}

func TestCommandReply(t *testing.T) {
	assert.NotEmpty(t, commandReply("start"))
	assert.NotEmpty(t, commandReply("help"))
	assert.Empty(t, commandReply("unknown"))
}
