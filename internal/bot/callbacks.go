package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdWatch   = "watch"
	cmdWatches = "watches"
	cmdUnwatch = "unwatch"

	cbUnwatchConfirm = "unwatch_confirm"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	if !b.cfg.IsUserAllowed(cb.From.ID) {
		return
	}

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdWatches:
		b.handleWatches(ctx, chatID)
	case cbUnwatchConfirm:
		sub, err := b.chatSubscription(ctx, chatID, id)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Watch #%d not found.", id))
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Stop watching #%d %q?", id, sub.Keyword))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, unwatch", fmt.Sprintf("%s:%d", cmdUnwatch, id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send unwatch confirmation", "error", err)
		}
	case cmdUnwatch:
		b.handleUnwatch(ctx, chatID, idStr)
	}
}
