package main

import (
	"fmt"
	"log/slog"
	"os"

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
		log.Error("REDIS_ADDR is required for the scheduler")
		os.Exit(1)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		&asynq.SchedulerOpts{},
	)

	trigger, err := tasks.NewTriggerPassTask(tasks.DefaultMaxPasses)
	if err != nil {
		log.Error("create task", "error", err)
		os.Exit(1)
	}

	entries := []struct {
		cronspec string
		task *asynq.Task
	}{
		{cronspec: every(cfg.PollInterval.String()), task: tasks.NewIngestFeedTask()},
		{cronspec: every(cfg.TriggerInterval.String()), task: trigger},
		{cronspec: "@every 1h", task: tasks.NewPurgeItemsTask()},
	}
	for _, e := range entries {
		// Drop a cycle while the previous one is still queued.
		if _, err := scheduler.Register(e.cronspec, e.task, asynq.Unique(cfg.PollInterval)); err != nil {
			log.Error("register task", "type", e.task.Type(), "error", err)
			os.Exit(1)
		}
		log.Info("registered task", "type", e.task.Type(), "cron", e.cronspec)
	}

	log.Info("scheduler starting")
	if err := scheduler.Run(); err != nil {
		log.Error("run scheduler", "error", err)
		os.Exit(1)
	}
}

func every(d string) string {
	return fmt.Sprintf("@every %s", d)
}
