// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deal_notifier/internal/model"
	"deal_notifier/migrations"
)

// Sentinel errors returned by the stores.
var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyKeyword = errors.New("empty keyword")
)

// ItemStore owns the feed item rows.
type ItemStore interface {
	// UpsertItem inserts the item or refreshes its title, description,
	// thumbnail and categories. The notified flag is never reset.
	UpsertItem(ctx context.Context, in model.ItemInput) (*model.FeedItem, error)
	GetItem(ctx context.Context, externalID string) (*model.FeedItem, error)
	PurgeItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	BeginPass(ctx context.Context) (PassTx, error)
}

// PassTx is the transaction of a single trigger pass. Claimed rows stay
// reserved for the pass until Commit or Rollback.
type PassTx interface {
	// ClaimUnprocessed returns up to limit unnotified items. Rows held by
	// another pass are skipped, never waited for.
	ClaimUnprocessed(ctx context.Context, limit int) ([]model.FeedItem, error)
	// MarkNotified flags the items and returns how many flipped.
	MarkNotified(ctx context.Context, ids []int64) (int64, error)
	InsertAudit(ctx context.Context, e *model.AuditEntry) error
	Commit() error
	// Rollback is a no-op after Commit.
	Rollback() error
}

// Registry reads and maintains keyword subscriptions.
type Registry interface {
	ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error
}

// AuditLog answers why a notification was sent.
type AuditLog interface {
	ListAudit(ctx context.Context, externalID string) ([]model.AuditEntry, error)
}

// TokenStore persists the feed cache token between polls.
type TokenStore interface {
	CacheToken(ctx context.Context, feedURL string) (string, error)
	SetCacheToken(ctx context.Context, feedURL, token string) error
}

// Storage is the interface for all persistence operations.
type Storage interface {
	ItemStore
	Registry
	AuditLog
	TokenStore

	Close() error
}

// Open connects to the database for driver and runs pending migrations.
func Open(driver, dsn string) (Storage, error) {
	switch driver {
	case migrations.DriverSQLite:
		return NewSQLite(dsn)
	case migrations.DriverPostgres:
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
