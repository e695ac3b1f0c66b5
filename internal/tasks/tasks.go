// Package tasks runs ingest, trigger and purge cycles as asynq tasks so
// they can be scheduled and retried through Redis.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"deal_notifier/internal/ingest"
	"deal_notifier/internal/trigger"
)

// Task type names.
const (
	TypeIngestFeed  = "feed:ingest"
	TypeTriggerPass = "trigger:pass"
	TypePurgeItems  = "items:purge"
)

// DefaultMaxPasses bounds how many passes one trigger task runs.
const DefaultMaxPasses = 10

// TaskEnqueuer is implemented by asynq.Client.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Ingester runs one ingest cycle.
type Ingester interface {
	RunOnce(ctx context.Context) (ingest.Stats, error)
}

// Passer runs one trigger pass.
type Passer interface {
	RunPass(ctx context.Context) (trigger.PassResult, error)
}

// Purger runs one retention purge.
type Purger interface {
	RunOnce(ctx context.Context) (int64, error)
}

// TriggerPassPayload is the payload of a trigger:pass task.
type TriggerPassPayload struct {
	// MaxPasses caps the passes run while draining the backlog.
	MaxPasses int `json:"max_passes"`
}

// NewIngestFeedTask creates a feed:ingest task.
func NewIngestFeedTask() *asynq.Task {
	return asynq.NewTask(TypeIngestFeed, nil, asynq.MaxRetry(3), asynq.Timeout(time.Minute))
}

// NewTriggerPassTask creates a trigger:pass task running up to maxPasses passes.
func NewTriggerPassTask(maxPasses int) (*asynq.Task, error) {
	payload, err := json.Marshal(TriggerPassPayload{MaxPasses: maxPasses})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTriggerPass, payload, asynq.MaxRetry(3), asynq.Timeout(5*time.Minute)), nil
}

// NewPurgeItemsTask creates an items:purge task.
func NewPurgeItemsTask() *asynq.Task {
	return asynq.NewTask(TypePurgeItems, nil, asynq.MaxRetry(1))
}

// Handler executes tasks against the ingestor, trigger worker and janitor.
type Handler struct {
	ingester Ingester
	passer   Passer
	purger   Purger
	log      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(ingester Ingester, passer Passer, purger Purger, log *slog.Logger) *Handler {
	return &Handler{ingester: ingester, passer: passer, purger: purger, log: log}
}

// Register adds the task handlers to mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeIngestFeed, h.HandleIngestFeed)
	mux.HandleFunc(TypeTriggerPass, h.HandleTriggerPass)
	mux.HandleFunc(TypePurgeItems, h.HandlePurgeItems)
}

// HandleIngestFeed polls the feed once.
func (h *Handler) HandleIngestFeed(ctx context.Context, _ *asynq.Task) error {
	stats, err := h.ingester.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("ingest feed: %w", err)
	}
	h.log.Debug("ingest task done", "entries", stats.Entries, "upserted", stats.Upserted, "not_modified", stats.NotModified)
	return nil
}

// HandleTriggerPass runs passes until the backlog is empty or the pass cap
// is reached.
func (h *Handler) HandleTriggerPass(ctx context.Context, t *asynq.Task) error {
	p := TriggerPassPayload{MaxPasses: DefaultMaxPasses}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal trigger payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	if p.MaxPasses < 1 {
		p.MaxPasses = 1
	}

	for range p.MaxPasses {
		res, err := h.passer.RunPass(ctx)
		if err != nil {
			return fmt.Errorf("trigger pass: %w", err)
		}
		if res.Claimed == 0 {
			return nil
		}
	}
	return nil
}

// HandlePurgeItems removes items outside the retention window.
func (h *Handler) HandlePurgeItems(ctx context.Context, _ *asynq.Task) error {
	if _, err := h.purger.RunOnce(ctx); err != nil {
		return fmt.Errorf("purge items: %w", err)
	}
	return nil
}
