// Package trigger runs passes that match unprocessed items against the
// subscription registry and dispatches notifications.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"deal_notifier/internal/filter"
	"deal_notifier/internal/model"
	"deal_notifier/internal/storage"
)

// DefaultBatchSize is the number of items claimed per pass.
const DefaultBatchSize = 10

// Notifier delivers one notification to its target.
type Notifier interface {
	Send(ctx context.Context, n model.Notification) error
}

// Store is the persistence a pass needs.
type Store interface {
	BeginPass(ctx context.Context) (storage.PassTx, error)
	ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// PassResult summarizes one pass.
type PassResult struct {
	PassID     string `json:"pass_id"`
	Claimed    int    `json:"claimed"`
	Processed  int    `json:"processed"`
	Deliveries int    `json:"deliveries"`
	Failed     int    `json:"failed"`
}

// Worker claims batches of unprocessed items and notifies matching targets.
type Worker struct {
	store    Store
	notifier Notifier
	log      *slog.Logger
	batch    int
	tick     time.Duration
}

// New creates a Worker with the default batch size and a 1-minute interval.
func New(store Store, notifier Notifier, log *slog.Logger) *Worker {
	return &Worker{
		store:    store,
		notifier: notifier,
		log:      log,
		batch:    DefaultBatchSize,
		tick:     1 * time.Minute,
	}
}

// SetBatchSize overrides the number of items claimed per pass.
func (w *Worker) SetBatchSize(n int) {
	if n > 0 {
		w.batch = n
	}
}

// SetTickInterval overrides the default 1-minute pass interval.
func (w *Worker) SetTickInterval(d time.Duration) {
	w.tick = d
}

// Run starts the pass loop, blocking until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.runLogged(ctx)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *Worker) runLogged(ctx context.Context) {
	if _, err := w.RunPass(ctx); err != nil {
		w.log.Error("trigger pass", "error", err)
	}
}

// RunPass claims one batch, dispatches every matching group and commits the
// notified flags together with the audit entries.
//
// The transaction is detached from ctx so that deliveries already attempted
// are always recorded. Cancellation stops the pass between items; items not
// reached are released unprocessed when the transaction commits. Any store
// error rolls the whole pass back.
func (w *Worker) RunPass(ctx context.Context) (res PassResult, err error) {
	res.PassID = uuid.NewString()
	txCtx := context.WithoutCancel(ctx)

	tx, err := w.store.BeginPass(txCtx)
	if err != nil {
		return res, fmt.Errorf("begin pass: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			err = multierr.Append(err, rbErr)
		}
	}()

	items, err := tx.ClaimUnprocessed(txCtx, w.batch)
	if err != nil {
		return res, fmt.Errorf("claim items: %w", err)
	}
	res.Claimed = len(items)
	if len(items) == 0 {
		if err := tx.Commit(); err != nil {
			return res, err
		}
		committed = true
		return res, nil
	}

	subs, err := w.store.ActiveSubscriptions(ctx)
	if err != nil {
		return res, fmt.Errorf("load subscriptions: %w", err)
	}

	var (
		processed []int64
		audits    []*model.AuditEntry
	)
	for _, item := range items {
		if ctx.Err() != nil {
			w.log.Warn("trigger pass interrupted", "pass_id", res.PassID,
				"released", len(items)-len(processed))
			break
		}
		for _, g := range filter.Evaluate(item, subs) {
			audits = append(audits, w.dispatch(ctx, res.PassID, item, g, &res))
		}
		processed = append(processed, item.ID)
	}
	res.Processed = len(processed)

	n, err := tx.MarkNotified(txCtx, processed)
	if err != nil {
		return res, err
	}
	if n != int64(len(processed)) {
		w.log.Warn("items already notified", "pass_id", res.PassID, "want", len(processed), "flipped", n)
	}
	for _, a := range audits {
		if err := tx.InsertAudit(txCtx, a); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	committed = true

	w.log.Info("trigger pass", "pass_id", res.PassID, "claimed", res.Claimed,
		"processed", res.Processed, "deliveries", res.Deliveries, "failed", res.Failed)
	return res, nil
}

func (w *Worker) dispatch(ctx context.Context, passID string, item model.FeedItem, g filter.Group, res *PassResult) *model.AuditEntry {
	entry := &model.AuditEntry{
		ItemID:               item.ID,
		ExternalID:           item.ExternalID,
		DeliveryTarget:       g.Target,
		Keywords:             g.Keywords,
		MatchedSubscriptions: g.Subscriptions,
		PassID:               passID,
	}

	res.Deliveries++
	if err := w.notifier.Send(ctx, g.Notification(item)); err != nil {
		res.Failed++
		entry.DeliveryError = err.Error()
		w.log.Error("send notification", "pass_id", passID, "item_id", item.ID,
			"target", g.Target, "error", err)
	} else {
		w.log.Debug("sent notification", "pass_id", passID, "item_id", item.ID,
			"target", g.Target, "keywords", g.Keywords)
	}
	entry.DeliveredAt = time.Now().UTC()
	return entry
}
