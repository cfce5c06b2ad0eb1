package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/pkg/directory"
)

// TelegramTransport sends through the Telegram bot API. Bot clients are
// cached per token since multiple tenants can share the platform bot.
type TelegramTransport struct {
	logger zerolog.Logger

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

// NewTelegramTransport creates the Telegram transport.
func NewTelegramTransport(logger zerolog.Logger) *TelegramTransport {
	return &TelegramTransport{
		logger: logger.With().Str("transport", "telegram").Logger(),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

// Channel implements Transport.
func (t *TelegramTransport) Channel() string {
	return "telegram"
}

// RequiresCredential implements Transport.
func (t *TelegramTransport) RequiresCredential() bool {
	return true
}

func (t *TelegramTransport) bot(token string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bot, ok := t.bots[token]; ok {
		return bot, nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}
	t.bots[token] = bot
	return bot, nil
}

// Send implements Transport. A Telegram "can't parse entities" rejection is
// reported as a formatting rejection so the router can retry in plain text.
func (t *TelegramTransport) Send(ctx context.Context, cred *directory.ProviderCredential, msg OutboundMessage) (string, error) {
	chatID, err := strconv.ParseInt(msg.RecipientID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", msg.RecipientID, err)
	}

	bot, err := t.bot(cred.Token)
	if err != nil {
		return "", err
	}

	out := tgbotapi.NewMessage(chatID, msg.Content)
	if msg.ContentType == ContentMarkdown {
		out.ParseMode = tgbotapi.ModeMarkdown
	}

	sent, err := bot.Send(out)
	if err != nil {
		if strings.Contains(err.Error(), "can't parse entities") {
			return "", fmt.Errorf("%w: %v", ErrFormatRejected, err)
		}
		return "", fmt.Errorf("telegram send failed: %w", err)
	}

	return strconv.Itoa(sent.MessageID), nil
}
