package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tender_bot/internal/config"
	"tender_bot/internal/model"
	"tender_bot/internal/storage"
	"tender_bot/internal/subscription"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Scanner queues an immediate feed scan.
type Scanner interface {
	RequestScan() bool
}

// Message is an outgoing notification. When EntryID is set the message gets
// feedback buttons for that entry.
type Message struct {
	Text    string
	EntryID string
}

// Bot is the Telegram bot that handles user commands and delivers
// notifications.
type Bot struct {
	api      telegramAPI
	registry *subscription.Registry
	store    storage.Storage
	cfg      *config.Config
	scanner  Scanner
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, registry *subscription.Registry, store storage.Storage, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:      api,
		registry: registry,
		store:    store,
		cfg:      cfg,
		log:      log,
	}, nil
}

// SetScanner wires the target of /check.
func (b *Bot) SetScanner(s Scanner) {
	b.scanner = s
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.From == nil || !b.cfg.IsUserAllowed(cb.From.ID) {
			return
		}
		b.handleCallback(ctx, cb)
		return
	}
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	if msg.From == nil || !b.cfg.IsUserAllowed(msg.From.ID) {
		b.reply(msg.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, msg)
}

// Dispatch delivers msg to the chat of userID. It gives up when ctx is done
// even if the Telegram request is still in flight.
func (b *Bot) Dispatch(ctx context.Context, userID int64, msg Message) error {
	out := tgbotapi.NewMessage(userID, msg.Text)
	out.DisableWebPagePreview = true
	if msg.EntryID != "" {
		ref := model.ContentKey(msg.EntryID)
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Suitable", CallbackData(actionSuitable, ref)),
				tgbotapi.NewInlineKeyboardButtonData("Not relevant", CallbackData(actionUnsuitable, ref)),
			),
		)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.api.Send(out)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "subscribe":
		b.handleSubscribe(ctx, chatID, args)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case "clear":
		b.handleClear(ctx, chatID)
	case "timezone":
		b.handleTimezone(ctx, chatID, args)
	case "export":
		b.handleExport(ctx, chatID)
	case "check":
		b.handleCheck(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
