// Package ingest turns polled feed documents into stored items.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deal_notifier/internal/fetcher"
	"deal_notifier/internal/model"
	"deal_notifier/internal/storage"
)

// Poller performs a conditional fetch of the feed.
type Poller interface {
	Poll(ctx context.Context, token string) (fetcher.PollResult, error)
}

// ItemUpserter stores feed entries.
type ItemUpserter interface {
	UpsertItem(ctx context.Context, in model.ItemInput) (*model.FeedItem, error)
}

// Stats summarizes one ingest cycle.
type Stats struct {
	NotModified bool `json:"not_modified"`
	Entries     int  `json:"entries"`
	Upserted    int  `json:"upserted"`
	Skipped     int  `json:"skipped"`
}

// Ingestor polls a single feed and upserts its entries.
type Ingestor struct {
	items   ItemUpserter
	tokens  storage.TokenStore
	poller  Poller
	feedURL string
	log     *slog.Logger
	tick    time.Duration
}

// New creates an Ingestor. feedURL keys the stored cache token.
func New(items ItemUpserter, tokens storage.TokenStore, poller Poller, feedURL string, log *slog.Logger) *Ingestor {
	return &Ingestor{
		items:   items,
		tokens:  tokens,
		poller:  poller,
		feedURL: feedURL,
		log:     log,
		tick:    1 * time.Minute,
	}
}

// SetTickInterval overrides the default 1-minute poll interval.
func (i *Ingestor) SetTickInterval(d time.Duration) {
	i.tick = d
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	i.runLogged(ctx)

	ticker := time.NewTicker(i.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.runLogged(ctx)
		}
	}
}

func (i *Ingestor) runLogged(ctx context.Context) {
	if _, err := i.RunOnce(ctx); err != nil && ctx.Err() == nil {
		i.log.Error("ingest feed", "url", i.feedURL, "error", err)
	}
}

// RunOnce performs one poll. Malformed entries are skipped; a store failure
// aborts the cycle without saving the new cache token, so the same document
// is fetched again next time.
func (i *Ingestor) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	token, err := i.tokens.CacheToken(ctx, i.feedURL)
	if err != nil {
		return stats, fmt.Errorf("load cache token: %w", err)
	}

	res, err := i.poller.Poll(ctx, token)
	if err != nil {
		return stats, fmt.Errorf("poll feed: %w", err)
	}
	if res.NotModified {
		i.log.Debug("feed not modified", "url", i.feedURL)
		stats.NotModified = true
		return stats, nil
	}

	feed, err := fetcher.Parse(res.Body)
	if err != nil {
		return stats, err
	}

	for _, entry := range feed.Items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Entries++

		in, err := fetcher.ToInput(entry)
		if err != nil {
			i.log.Warn("skip feed entry", "guid", entry.GUID, "title", entry.Title, "error", err)
			stats.Skipped++
			continue
		}
		item, err := i.items.UpsertItem(ctx, in)
		if err != nil {
			return stats, fmt.Errorf("upsert %s: %w", in.ExternalID, err)
		}
		stats.Upserted++
		i.log.Debug("upserted item", "item_id", item.ID, "external_id", item.ExternalID)
	}

	if res.Token != token {
		if err := i.tokens.SetCacheToken(ctx, i.feedURL, res.Token); err != nil {
			return stats, fmt.Errorf("save cache token: %w", err)
		}
	}

	i.log.Info("ingested feed", "url", i.feedURL,
		"entries", stats.Entries, "upserted", stats.Upserted, "skipped", stats.Skipped)
	return stats, nil
}
