package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"deal_notifier/internal/model"
	"deal_notifier/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Deal Notifier!

Watch keywords and get a message whenever a matching deal is posted.

Quick start:
1. /watch <keyword> - watch a keyword in every category
2. /watch <keyword> | Gaming, Computing - limit it to some categories
3. /watches - list what you are watching

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Commands:
/watch <keyword> [| Cat1, Cat2] - watch a keyword
/watches - list your watches
/unwatch <id> - stop watching

Keywords match the deal title and description, ignoring case.
Use the category "All" or leave categories out to match everything.`)
}

func (b *Bot) handleWatch(ctx context.Context, chatID, userID int64, args string) {
	wa, err := ParseWatchArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	sub := &model.Subscription{
		Keyword:        wa.Keyword,
		OwnerID:        strconv.FormatInt(userID, 10),
		DeliveryTarget: Target(chatID),
		Categories:     wa.Categories,
	}
	if err := b.registry.CreateSubscription(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save watch: %v", err))
		return
	}

	scope := "all categories"
	if !sub.MatchAnyCategory() {
		scope = strings.Join(sub.Categories, ", ")
	}
	b.reply(chatID, fmt.Sprintf("Watching #%d %q in %s.", sub.ID, sub.Keyword, scope))
}

func (b *Bot) handleWatches(ctx context.Context, chatID int64) {
	subs, err := b.chatSubscriptions(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatSubscriptionList(subs))
	if len(subs) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(subs))
		for _, s := range subs {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Unwatch #%d", s.ID), fmt.Sprintf("%s:%d", cbUnwatchConfirm, s.ID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send watch list", "error", err)
	}
}

func (b *Bot) handleUnwatch(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unwatch <id>")
		return
	}

	sub, err := b.chatSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Watch #%d not found.", id))
		return
	}

	if err := b.registry.DeleteSubscription(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Watch #%d not found.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error deleting watch: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Stopped watching #%d %q.", id, sub.Keyword))
}

// chatSubscriptions returns the subscriptions delivered to chatID.
func (b *Bot) chatSubscriptions(ctx context.Context, chatID int64) ([]model.Subscription, error) {
	all, err := b.registry.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	target := Target(chatID)
	var subs []model.Subscription
	for _, s := range all {
		if s.DeliveryTarget == target {
			subs = append(subs, s)
		}
	}
	return subs, nil
}

func (b *Bot) chatSubscription(ctx context.Context, chatID, id int64) (*model.Subscription, error) {
	subs, err := b.chatSubscriptions(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ID == id {
			return &subs[i], nil
		}
	}
	return nil, storage.ErrNotFound
}
