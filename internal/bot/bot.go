// Package bot delivers notifications through Telegram and lets chats manage
// their keyword subscriptions with commands.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"deal_notifier/internal/config"
	"deal_notifier/internal/model"
	"deal_notifier/internal/storage"
)

// TargetPrefix marks delivery targets that are Telegram chats.
const TargetPrefix = "tg:"

const (
	// updatesTimeout is the long-poll wait of getUpdates in seconds.
	updatesTimeout = 30
	// requestTimeout bounds every API call, including a full long poll.
	requestTimeout = updatesTimeout*time.Second + 15*time.Second
	// captionLimit is the longest photo caption Telegram accepts.
	captionLimit = 1024
)

// ErrInvalidTarget is returned for delivery targets that are not Telegram chats.
var ErrInvalidTarget = errors.New("invalid telegram target")

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot sends deal notifications and handles subscription commands.
type Bot struct {
	api      telegramAPI
	registry storage.Registry
	cfg      *config.Config
	limiter  *rate.Limiter
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token, registry and config.
func New(token string, registry storage.Registry, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	client := &http.Client{Timeout: requestTimeout}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, registry, cfg, log), nil
}

func newBot(api telegramAPI, registry storage.Registry, cfg *config.Config, log *slog.Logger) *Bot {
	limit := rate.Inf
	if cfg.TelegramRate > 0 {
		limit = rate.Limit(cfg.TelegramRate)
	}
	return &Bot{
		api:      api,
		registry: registry,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		log:      log,
	}
}

// Target returns the delivery target for a chat.
func Target(chatID int64) string {
	return TargetPrefix + strconv.FormatInt(chatID, 10)
}

// ParseTarget extracts the chat ID from a delivery target.
func ParseTarget(target string) (int64, error) {
	raw, ok := strings.CutPrefix(target, TargetPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return id, nil
}

// Send delivers a notification to the chat named by its target. Items with
// a thumbnail are sent as a photo with the text as caption. Text too long
// for a caption follows the photo as its own message.
func (b *Bot) Send(ctx context.Context, n model.Notification) error {
	chatID, err := ParseTarget(n.DeliveryTarget)
	if err != nil {
		return err
	}

	text := FormatNotification(n)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if n.Thumbnail == "" {
		return b.send(ctx, msg)
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(n.Thumbnail))
	if utf8.RuneCountInString(text) <= captionLimit {
		photo.Caption = text
		photo.ParseMode = tgbotapi.ModeHTML
		return b.send(ctx, photo)
	}
	if err := b.send(ctx, photo); err != nil {
		return err
	}
	return b.send(ctx, msg)
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if _, err := b.api.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updatesTimeout

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() || update.Message.From == nil {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a plain text message to the given chat.
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
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdWatch:
		b.handleWatch(ctx, chatID, msg.From.ID, args)
	case cmdWatches:
		b.handleWatches(ctx, chatID)
	case cmdUnwatch:
		b.handleUnwatch(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
