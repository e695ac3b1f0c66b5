// Package janitor removes feed items that fell out of the retention window.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention is how long items are kept after they were first seen.
const DefaultRetention = 14 * 24 * time.Hour

// Purger deletes items created before a cutoff together with their audit entries.
type Purger interface {
	PurgeItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically purges old items.
type Janitor struct {
	store     Purger
	retention time.Duration
	tick      time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// New creates a Janitor keeping items for retention.
func New(store Purger, retention time.Duration, log *slog.Logger) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{
		store:     store,
		retention: retention,
		tick:      1 * time.Hour,
		now:       time.Now,
		log:       log,
	}
}

// SetTickInterval overrides the default 1-hour purge interval.
func (j *Janitor) SetTickInterval(d time.Duration) {
	j.tick = d
}

// Run purges immediately and then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.runLogged(ctx)

	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Janitor) runLogged(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.log.Error("purge items", "error", err)
	}
}

// RunOnce deletes items older than the retention window and returns how
// many were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.store.PurgeItemsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		j.log.Info("purged items", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
