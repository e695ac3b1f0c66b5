// Package app wires configuration into the running components shared by
// the notifier, worker and scheduler commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"deal_notifier/internal/bot"
	"deal_notifier/internal/cache"
	"deal_notifier/internal/config"
	"deal_notifier/internal/fetcher"
	"deal_notifier/internal/httpapi"
	"deal_notifier/internal/ingest"
	"deal_notifier/internal/janitor"
	"deal_notifier/internal/notify"
	"deal_notifier/internal/storage"
	"deal_notifier/internal/tasks"
	"deal_notifier/internal/trigger"
	"deal_notifier/migrations"
)

// App holds the wired components.
type App struct {
	Store    storage.Storage
	Tokens   storage.TokenStore
	Ingestor *ingest.Ingestor
	Worker   *trigger.Worker
	Janitor  *janitor.Janitor
	Notifier *notify.Router
	// Bot is nil when no Telegram token is configured.
	Bot *bot.Bot

	cfg   *config.Config
	redis *redis.Client
	log   *slog.Logger
}

// New opens the database and builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg.DatabaseDriver == migrations.DriverSQLite {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}

	store, err := storage.Open(cfg.DatabaseDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Store: store, Tokens: store, cfg: cfg, log: log}

	if cfg.RedisAddr != "" {
		client, err := cache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		a.redis = client
		a.Tokens = cache.NewRedisTokens(client, cache.DefaultPrefix)
	}

	a.Notifier = notify.NewRouter()
	if cfg.TelegramBotToken != "" {
		b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		a.Bot = b
		a.Notifier.Handle(bot.TargetPrefix, b)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, notifications go to the log")
		a.Notifier.Fallback(notify.NewLog(log))
	}
	if cfg.SMTP.Host != "" {
		a.Notifier.Handle(notify.EmailPrefix, notify.NewEmail(cfg.SMTP, log))
	}

	poller := fetcher.New(&http.Client{}, cfg.FeedURL)
	a.Ingestor = ingest.New(store, a.Tokens, poller, cfg.FeedURL, log)
	a.Ingestor.SetTickInterval(cfg.PollInterval)

	a.Worker = trigger.New(store, a.Notifier, log)
	a.Worker.SetBatchSize(cfg.BatchSize)
	a.Worker.SetTickInterval(cfg.TriggerInterval)

	a.Janitor = janitor.New(store, cfg.Retention, log)
	return a, nil
}

// HTTPServer returns the API server bound to the configured address. With
// a non-nil enqueuer run requests are queued instead of run inline.
func (a *App) HTTPServer(enqueuer tasks.TaskEnqueuer) *http.Server {
	api := httpapi.New(a.Store, a.Ingestor, a.Worker, a.log)
	if enqueuer != nil {
		api.SetEnqueuer(enqueuer)
	}
	return &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var err error
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	return multierr.Append(err, a.Store.Close())
}

// NewLogger returns a text logger at the named level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
