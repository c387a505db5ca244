package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tender_bot/internal/subscription"
)

const helpText = `Subscriptions:
/subscribe <expression> — watch notices matching an expression
/unsubscribe <expression> — stop watching an expression
/list — show your subscriptions
/clear — remove all subscriptions
/export — download your subscriptions as CSV

Settings:
/timezone <zone> — set your timezone for the daily digest, e.g. Europe/London
/check — scan the feed now

Expressions:
Words match anywhere in the notice title or description, ignoring case.
Join words with AND / OR, evaluated left to right: "cleaning OR catering AND school".
Words next to each other must all match. Use "double quotes" for a phrase.`

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	_, created, err := b.registry.EnsureUser(ctx, chatID)
	if err != nil {
		b.log.Error("ensure user", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}
	if !created {
		b.reply(chatID, "You are already registered. Use /help for the command reference.")
		return
	}
	b.log.Info("new user", "chat_id", chatID)
	b.reply(chatID, fmt.Sprintf(`Welcome to Tender Watch Bot!

I watch public procurement notices and message you when one matches your keywords.
You also get a reminder two days before a matching notice closes and a daily digest at %02d:00.

Quick start:
1. /subscribe road maintenance — notices mentioning both words
2. /timezone Europe/London — set the digest timezone

Use /help for the full command reference.`, b.cfg.DigestHour))
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, helpText)
}

func (b *Bot) handleSubscribe(ctx context.Context, chatID int64, args string) {
	text, err := ParseExpressionArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /subscribe <expression>")
		return
	}

	sub, err := b.registry.Add(ctx, chatID, text)
	switch {
	case errors.Is(err, subscription.ErrEmptyExpression):
		b.reply(chatID, "The expression has no keywords.")
	case errors.Is(err, subscription.ErrDuplicate):
		b.reply(chatID, "You are already subscribed to this expression.")
	case errors.Is(err, subscription.ErrLimitExceeded):
		b.reply(chatID, fmt.Sprintf("You have reached the limit of %d subscriptions. Remove one with /unsubscribe first.", b.cfg.MaxSubscriptions))
	case err != nil:
		b.log.Error("add subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
	default:
		b.reply(chatID, fmt.Sprintf("Subscribed to: %s\nMatching notices will arrive with the next scan.", sub.Expression))
	}
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64, args string) {
	text, err := ParseExpressionArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe <expression>")
		return
	}

	err = b.registry.RemoveByText(ctx, chatID, text)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		b.reply(chatID, "No such subscription. Use /list to see yours.")
	case err != nil:
		b.log.Error("remove subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
	default:
		b.reply(chatID, "Unsubscribed.")
	}
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	subs, err := b.registry.List(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatSubscriptionList(subs))
	msg.DisableWebPagePreview = true
	if len(subs) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for i, s := range subs {
			data := CallbackData(actionRemove, s.ExpressionKey)
			if len(data) > maxCallbackData {
				continue
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Remove %d", i+1), data),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleClear(ctx context.Context, chatID int64) {
	n, err := b.registry.Clear(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, "You have no subscriptions.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Removed %d subscriptions.", n))
}

func (b *Bot) handleTimezone(ctx context.Context, chatID int64, args string) {
	if args == "" {
		p, _, err := b.registry.EnsureUser(ctx, chatID)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.reply(chatID, fmt.Sprintf("Your timezone is %s.\nUsage: /timezone <zone>, e.g. /timezone Europe/London", p.Timezone))
		return
	}

	zone, err := b.registry.SetTimezone(ctx, chatID, args)
	switch {
	case errors.Is(err, subscription.ErrInvalidTimezone):
		b.reply(chatID, fmt.Sprintf("Unknown timezone %q. Use an IANA name such as Europe/London or America/New_York.", args))
	case err != nil:
		b.log.Error("set timezone", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
	default:
		b.reply(chatID, fmt.Sprintf("Timezone set to %s. The daily digest arrives at %02d:00 local time.", zone, b.cfg.DigestHour))
	}
}

func (b *Bot) handleExport(ctx context.Context, chatID int64) {
	var buf bytes.Buffer
	if err := b.registry.Export(ctx, chatID, &buf); err != nil {
		b.log.Error("export subscriptions", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: "subscriptions.csv", Bytes: buf.Bytes()})
	if _, err := b.api.Send(doc); err != nil {
		b.log.Error("send export", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCheck(chatID int64) {
	if b.scanner == nil {
		b.reply(chatID, "Scanning is not available.")
		return
	}
	if b.scanner.RequestScan() {
		b.reply(chatID, "Scan requested. New matches will arrive shortly.")
		return
	}
	b.reply(chatID, "A scan is already queued.")
}
