package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"deal_notifier/internal/app"
	"deal_notifier/internal/config"
	"deal_notifier/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.LogLevel)
	if cfg.RedisAddr == "" {
		log.Error("REDIS_ADDR is required for the worker")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("start", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		// Trigger passes serialize on the item claim.
		Concurrency: 2,
		Logger:      logAdapter{log},
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			delay := 5 * time.Second << n
			if delay > 5*time.Minute {
				delay = 5 * time.Minute
			}
			log.Warn("task failed", "type", t.Type(), "attempt", n+1, "retry_in", delay, "error", err)
			return delay
		},
	})

	mux := asynq.NewServeMux()
	tasks.NewHandler(a.Ingestor, a.Worker, a.Janitor, log).Register(mux)

	if a.Bot != nil {
		go a.Bot.Run(ctx)
	}
	if cfg.HTTPAddr != "" {
		client := asynq.NewClient(redisOpt)
		defer func() { _ = client.Close() }()
		go serveHTTP(ctx, a.HTTPServer(client), log)
	}

	if err := srv.Start(mux); err != nil {
		log.Error("start worker", "error", err)
		os.Exit(1)
	}
	log.Info("worker started")
	<-ctx.Done()
	srv.Shutdown()
	log.Info("worker stopped")
}

func serveHTTP(ctx context.Context, srv *http.Server, log *slog.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("http listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "error", err)
	}
}

// logAdapter routes asynq's logging through slog.
type logAdapter struct {
	log *slog.Logger
}

func (l logAdapter) Debug(args ...any) { l.log.Debug("asynq", "msg", args) }
func (l logAdapter) Info(args ...any)  { l.log.Info("asynq", "msg", args) }
func (l logAdapter) Warn(args ...any)  { l.log.Warn("asynq", "msg", args) }
func (l logAdapter) Error(args ...any) { l.log.Error("asynq", "msg", args) }
func (l logAdapter) Fatal(args ...any) {
	l.log.Error("asynq", "msg", args)
	os.Exit(1)
}
