package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"deal_notifier/internal/model"
	"deal_notifier/migrations"
)

const (
	pgItemColumns = `id, external_id, title, description_raw, link, thumbnail, categories,
		published_at, notified, created_at, updated_at`
	pgAuditColumns = `id, item_id, external_id, delivery_target, keywords, matched_subscriptions,
		delivery_error, pass_id, delivered_at`
)

// Postgres implements Storage on PostgreSQL. Passes claim rows with
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers partition the
// backlog row by row.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the database at url and runs pending migrations.
func NewPostgres(url string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Run(db.DB, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return newPostgresDB(db), nil
}

func newPostgresDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type itemRow struct {
	ID             int64          `db:"id"`
	ExternalID     string         `db:"external_id"`
	Title          string         `db:"title"`
	DescriptionRaw string         `db:"description_raw"`
	Link           string         `db:"link"`
	Thumbnail      string         `db:"thumbnail"`
	Categories     pq.StringArray `db:"categories"`
	PublishedAt    time.Time      `db:"published_at"`
	Notified       bool           `db:"notified"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r itemRow) model() model.FeedItem {
	return model.FeedItem{
		ID:             r.ID,
		ExternalID:     r.ExternalID,
		Title:          r.Title,
		DescriptionRaw: r.DescriptionRaw,
		Link:           r.Link,
		Thumbnail:      r.Thumbnail,
		Categories:     nilIfEmpty(r.Categories),
		PublishedAt:    r.PublishedAt,
		Notified:       r.Notified,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type subscriptionRow struct {
	ID             int64          `db:"id"`
	Keyword        string         `db:"keyword"`
	OwnerID        string         `db:"owner_id"`
	DeliveryTarget string         `db:"delivery_target"`
	Categories     pq.StringArray `db:"categories"`
	CreatedAt      time.Time      `db:"created_at"`
}

type auditRow struct {
	ID                   int64          `db:"id"`
	ItemID               int64          `db:"item_id"`
	ExternalID           string         `db:"external_id"`
	DeliveryTarget       string         `db:"delivery_target"`
	Keywords             pq.StringArray `db:"keywords"`
	MatchedSubscriptions []byte         `db:"matched_subscriptions"`
	DeliveryError        string         `db:"delivery_error"`
	PassID               string         `db:"pass_id"`
	DeliveredAt          time.Time      `db:"delivered_at"`
}

// UpsertItem inserts a new item or refreshes the metadata of an existing one.
func (p *Postgres) UpsertItem(ctx context.Context, in model.ItemInput) (*model.FeedItem, error) {
	var row itemRow
	err := p.db.GetContext(ctx, &row,
		`INSERT INTO feed_items (external_id, title, description_raw, link, thumbnail, categories, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (external_id) DO UPDATE SET
		     title = EXCLUDED.title,
		     description_raw = EXCLUDED.description_raw,
		     thumbnail = EXCLUDED.thumbnail,
		     categories = EXCLUDED.categories,
		     updated_at = NOW()
		 RETURNING `+pgItemColumns,
		in.ExternalID, in.Title, in.DescriptionRaw, in.Link, in.Thumbnail,
		pq.Array(emptyIfNil(in.Categories)), in.PublishedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert item: %w", err)
	}
	item := row.model()
	return &item, nil
}

// GetItem returns an item by its feed GUID.
func (p *Postgres) GetItem(ctx context.Context, externalID string) (*model.FeedItem, error) {
	var row itemRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+pgItemColumns+` FROM feed_items WHERE external_id = $1`, externalID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	item := row.model()
	return &item, nil
}

// PurgeItemsBefore deletes items first stored before cutoff, cascading to
// their audit entries.
func (p *Postgres) PurgeItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM feed_items WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge items: %w", err)
	}
	return res.RowsAffected()
}

// ActiveSubscriptions returns every subscription ordered by ID.
func (p *Postgres) ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var rows []subscriptionRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, keyword, owner_id, delivery_target, categories, created_at
		 FROM subscriptions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	var subs []model.Subscription
	for _, r := range rows {
		subs = append(subs, model.Subscription{
			ID:             r.ID,
			Keyword:        r.Keyword,
			OwnerID:        r.OwnerID,
			DeliveryTarget: r.DeliveryTarget,
			Categories:     nilIfEmpty(r.Categories),
			CreatedAt:      r.CreatedAt,
		})
	}
	return subs, nil
}

// CreateSubscription inserts a subscription and populates its ID and CreatedAt.
func (p *Postgres) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if strings.TrimSpace(sub.Keyword) == "" {
		return ErrEmptyKeyword
	}
	err := p.db.QueryRowxContext(ctx,
		`INSERT INTO subscriptions (keyword, owner_id, delivery_target, categories)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		sub.Keyword, sub.OwnerID, sub.DeliveryTarget, pq.Array(emptyIfNil(sub.Categories)),
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription by its ID.
func (p *Postgres) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAudit returns the audit entries of an item in insertion order.
func (p *Postgres) ListAudit(ctx context.Context, externalID string) ([]model.AuditEntry, error) {
	var rows []auditRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+pgAuditColumns+` FROM audit_entries WHERE external_id = $1 ORDER BY id`, externalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	var entries []model.AuditEntry
	for _, r := range rows {
		matched, err := decodeSubscriptions(r.MatchedSubscriptions)
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.AuditEntry{
			ID:                   r.ID,
			ItemID:               r.ItemID,
			ExternalID:           r.ExternalID,
			DeliveryTarget:       r.DeliveryTarget,
			Keywords:             nilIfEmpty(r.Keywords),
			MatchedSubscriptions: matched,
			DeliveryError:        r.DeliveryError,
			PassID:               r.PassID,
			DeliveredAt:          r.DeliveredAt,
		})
	}
	return entries, nil
}

// CacheToken returns the stored cache token for feedURL, or "" if none.
func (p *Postgres) CacheToken(ctx context.Context, feedURL string) (string, error) {
	var token string
	err := p.db.GetContext(ctx, &token, `SELECT cache_token FROM feed_state WHERE feed_url = $1`, feedURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cache token: %w", err)
	}
	return token, nil
}

// SetCacheToken stores the cache token for feedURL.
func (p *Postgres) SetCacheToken(ctx context.Context, feedURL, token string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO feed_state (feed_url, cache_token) VALUES ($1, $2)
		 ON CONFLICT (feed_url) DO UPDATE SET
		     cache_token = EXCLUDED.cache_token,
		     updated_at = NOW()`,
		feedURL, token,
	)
	if err != nil {
		return fmt.Errorf("set cache token: %w", err)
	}
	return nil
}

// BeginPass opens a pass transaction.
func (p *Postgres) BeginPass(ctx context.Context) (PassTx, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgPass{tx: tx}, nil
}

type pgPass struct {
	tx   *sqlx.Tx
	done bool
}

func (t *pgPass) ClaimUnprocessed(ctx context.Context, limit int) ([]model.FeedItem, error) {
	var rows []itemRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+pgItemColumns+` FROM feed_items
		 WHERE notified = FALSE
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	var items []model.FeedItem
	for _, r := range rows {
		items = append(items, r.model())
	}
	return items, nil
}

func (t *pgPass) MarkNotified(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE feed_items SET notified = TRUE, updated_at = NOW()
		 WHERE id = ANY($1) AND notified = FALSE`,
		pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}
	return res.RowsAffected()
}

func (t *pgPass) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	matched, err := encodeSubscriptions(e.MatchedSubscriptions)
	if err != nil {
		return err
	}
	if e.DeliveredAt.IsZero() {
		e.DeliveredAt = time.Now().UTC()
	}
	err = t.tx.QueryRowxContext(ctx,
		`INSERT INTO audit_entries (item_id, external_id, delivery_target, keywords,
		                            matched_subscriptions, delivery_error, pass_id, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		e.ItemID, e.ExternalID, e.DeliveryTarget, pq.Array(emptyIfNil(e.Keywords)), matched,
		e.DeliveryError, e.PassID, e.DeliveredAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (t *pgPass) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit pass: %w", err)
	}
	return nil
}

func (t *pgPass) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback pass: %w", err)
	}
	return nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nilIfEmpty(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}
