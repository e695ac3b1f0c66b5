package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"deal_notifier/internal/app"
	"deal_notifier/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("close", "error", err)
		}
	}()

	log.Info("starting notifier", "feed", cfg.FeedURL, "driver", cfg.DatabaseDriver)

	var wg sync.WaitGroup
	wg.Go(func() { a.Ingestor.Run(ctx) })
	wg.Go(func() { a.Worker.Run(ctx) })
	wg.Go(func() { a.Janitor.Run(ctx) })
	if a.Bot != nil {
		wg.Go(func() { a.Bot.Run(ctx) })
	}
	if cfg.HTTPAddr != "" {
		srv := a.HTTPServer(nil)
		wg.Go(func() { serveHTTP(ctx, srv, log) })
	}

	wg.Wait()
	log.Info("notifier stopped")
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
