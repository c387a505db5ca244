package bot

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tender_bot/internal/model"
	"tender_bot/internal/storage"
	"tender_bot/internal/subscription"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	ack := b.callbackReply(ctx, cb)

	callback := tgbotapi.NewCallback(cb.ID, ack)
	if _, err := b.api.Request(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
}

// callbackReply performs the button action and returns the toast text.
func (b *Bot) callbackReply(ctx context.Context, cb *tgbotapi.CallbackQuery) string {
	if cb.Message == nil || cb.Message.Chat == nil {
		return ""
	}
	chatID := cb.Message.Chat.ID

	action, value, err := ParseCallbackData(cb.Data)
	if err != nil {
		b.log.Warn("callback", "error", err, "chat_id", chatID)
		return ""
	}

	b.log.Info("callback",
		"action", action,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	if action == actionRemove {
		err := b.registry.Remove(ctx, chatID, value)
		switch {
		case errors.Is(err, subscription.ErrNotFound):
			return "Already removed."
		case err != nil:
			b.log.Error("remove subscription", "chat_id", chatID, "error", err)
			return "Could not remove the subscription."
		}
		b.handleList(ctx, chatID)
		return "Removed."
	}

	verdict, ok := VerdictFor(action)
	if !ok {
		return ""
	}
	entry, err := b.store.GetEntryByRef(ctx, value)
	if errors.Is(err, storage.ErrNotFound) {
		return "This notice is no longer available."
	}
	if err != nil {
		b.log.Error("lookup entry", "ref", value, "error", err)
		return "Could not record your feedback."
	}
	if err := b.store.SaveFeedback(ctx, model.Feedback{UserID: chatID, EntryID: entry.ID, Verdict: verdict}); err != nil {
		b.log.Error("save feedback", "chat_id", chatID, "entry_id", entry.ID, "error", err)
		return "Could not record your feedback."
	}
	return "Thanks for the feedback."
}
