package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/channels"
	"github.com/parleyhq/parley/pkg/directory"
)

// TenantResolver maps a Telegram chat on the platform bot back to the tenant
// that claimed it.
type TenantResolver interface {
	TenantByTelegramChat(chatID int64) (*directory.Tenant, bool)
}

// Config holds bot configuration
type Config struct {
	BotToken string
	Resolver TenantResolver
	Dispatch channels.DispatchFunc
	Logger   zerolog.Logger
}

// Bot is the platform Telegram ingress: one long-polling bot shared by every
// tenant without a bot of their own. It only translates updates to the
// inbound contract; replies travel back through the delivery router.
type Bot struct {
	api      *tgbotapi.BotAPI
	resolver TenantResolver
	dispatch channels.DispatchFunc
	logger   zerolog.Logger

	running bool
	updates tgbotapi.UpdatesChannel
}

// New creates a new Telegram bot instance
func New(cfg Config) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("tenant resolver is required")
	}
	if cfg.Dispatch == nil {
		return nil, fmt.Errorf("dispatch func is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:      api,
		resolver: cfg.Resolver,
		dispatch: cfg.Dispatch,
		logger:   cfg.Logger.With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// Start begins long-polling for updates
func (b *Bot) Start() error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	b.updates = b.api.GetUpdatesChan(u)
	b.running = true

	go b.processUpdates()

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	if !b.running {
		return fmt.Errorf("bot is not running")
	}

	b.logger.Info().Msg("Stopping Telegram bot")

	b.running = false
	b.api.StopReceivingUpdates()

	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	return b.running
}

func (b *Bot) processUpdates() {
	for update := range b.updates {
		if !b.running {
			break
		}

		if err := b.handleUpdate(update); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

// handleUpdate routes one update: commands get canned replies, everything
// else goes through the inbound pipeline.
func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil {
		return nil
	}

	if msg.IsCommand() {
		reply := commandReply(msg.Command())
		if reply == "" {
			return nil
		}
		out := tgbotapi.NewMessage(msg.Chat.ID, reply)
		if _, err := b.api.Send(out); err != nil {
			return fmt.Errorf("failed to send command reply: %w", err)
		}
		return nil
	}

	return b.handleInbound(update)
}

// handleInbound translates a chat message to the inbound contract and
// dispatches it. Chats no tenant has claimed are ignored.
func (b *Bot) handleInbound(update tgbotapi.Update) error {
	msg := update.Message
	tenant, ok := b.resolver.TenantByTelegramChat(msg.Chat.ID)
	if !ok {
		b.logger.Debug().
			Int64("chat_id", msg.Chat.ID).
			Msg("Ignoring message from unbound chat")
		observability.RecordInbound("telegram", "unbound")
		return nil
	}

	body := msg.Text
	if body == "" {
		body = msg.Caption
	}

	attachments := mediaAttachments(msg)
	if body == "" && len(attachments) == 0 {
		return nil
	}

	metadata := map[string]interface{}{
		"message_id": msg.MessageID,
	}
	if msg.From != nil {
		metadata["username"] = msg.From.UserName
	}

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	_, err := b.dispatch(ctx, channels.InboundMessage{
		TenantID:          tenant.ID,
		Channel:           "telegram",
		ExternalContactID: strconv.FormatInt(msg.Chat.ID, 10),
		Body:              body,
		Attachments:       attachments,
		Metadata:          metadata,
	})
	if err != nil {
		observability.RecordInbound("telegram", "error")
		return fmt.Errorf("dispatch failed for chat %d: %w", msg.Chat.ID, err)
	}

	observability.RecordInbound("telegram", "accepted")
	return nil
}

// mediaAttachments collects opaque file references; media interpretation is
// a tool concern, not an ingress concern.
func mediaAttachments(msg *tgbotapi.Message) []string {
	var refs []string
	if len(msg.Photo) > 0 {
		refs = append(refs, "telegram:photo:"+msg.Photo[len(msg.Photo)-1].FileID)
	}
	if msg.Video != nil {
		refs = append(refs, "telegram:video:"+msg.Video.FileID)
	}
	if msg.Audio != nil {
		refs = append(refs, "telegram:audio:"+msg.Audio.FileID)
	}
	if msg.Voice != nil {
		refs = append(refs, "telegram:voice:"+msg.Voice.FileID)
	}
	if msg.Document != nil {
		refs = append(refs, "telegram:document:"+msg.Document.FileID)
	}
	return refs
}

// commandReply returns the canned reply for a bot command, or empty to
// ignore the command.
func commandReply(command string) string {
	switch command {
	case "start":
		return "Hi! Send a message and the team will get right back to you."
	case "help":
		return "Just type your question here. An assistant picks it up immediately, and a human can step in when needed."
	default:
		return ""
	}
}
