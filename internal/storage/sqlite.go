package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"deal_notifier/internal/model"
	"deal_notifier/migrations"
)

const (
	timeLayout = "2006-01-02T15:04:05Z"

	// busyTimeoutMS bounds how long ordinary statements wait for the write lock.
	busyTimeoutMS = 15000

	// claimLease is how long a claim holds items for a pass that never
	// commits or rolls back.
	claimLease = 10 * time.Minute

	sqliteItemColumns = `id, external_id, title, description_raw, link, thumbnail, categories,
		published_at, notified, created_at, updated_at`
	sqliteAuditColumns = `id, item_id, external_id, delivery_target, keywords, matched_subscriptions,
		delivery_error, pass_id, delivered_at`
)

// SQLite implements Storage backed by a SQLite database.
//
// SQLite has a single writer and no row locks, so a pass claims items by
// stamping them with its claim ID. Other passes skip stamped rows until the
// claim is released or its lease runs out.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path and runs pending migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrations.Run(db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, sep, busyTimeoutMS)
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertItem inserts a new item or refreshes the metadata of an existing one.
func (s *SQLite) UpsertItem(ctx context.Context, in model.ItemInput) (*model.FeedItem, error) {
	categories, err := encodeStrings(in.Categories)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(timeLayout)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO feed_items (external_id, title, description_raw, link, thumbnail, categories,
		                         published_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE SET
		     title = excluded.title,
		     description_raw = excluded.description_raw,
		     thumbnail = excluded.thumbnail,
		     categories = excluded.categories,
		     updated_at = excluded.updated_at
		 RETURNING `+sqliteItemColumns,
		in.ExternalID, in.Title, in.DescriptionRaw, in.Link, in.Thumbnail, categories,
		in.PublishedAt.UTC().Format(timeLayout), now, now,
	)
	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("upsert item: %w", err)
	}
	return item, nil
}

// GetItem returns an item by its feed GUID.
func (s *SQLite) GetItem(ctx context.Context, externalID string) (*model.FeedItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM feed_items WHERE external_id = ?`, externalID,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// PurgeItemsBefore deletes items first stored before cutoff. Their audit
// entries go with them.
func (s *SQLite) PurgeItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feed_items WHERE created_at < ?`, cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge items: %w", err)
	}
	return res.RowsAffected()
}

// ActiveSubscriptions returns every subscription ordered by ID.
func (s *SQLite) ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, keyword, owner_id, delivery_target, categories, created_at
		 FROM subscriptions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateSubscription inserts a subscription and populates its ID and CreatedAt.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if strings.TrimSpace(sub.Keyword) == "" {
		return ErrEmptyKeyword
	}
	categories, err := encodeStrings(sub.Categories)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (keyword, owner_id, delivery_target, categories, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.Keyword, sub.OwnerID, sub.DeliveryTarget, categories, now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// DeleteSubscription removes a subscription by its ID.
func (s *SQLite) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
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
func (s *SQLite) ListAudit(ctx context.Context, externalID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAuditColumns+` FROM audit_entries WHERE external_id = ? ORDER BY id`, externalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CacheToken returns the stored cache token for feedURL, or "" if none.
func (s *SQLite) CacheToken(ctx context.Context, feedURL string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_token FROM feed_state WHERE feed_url = ?`, feedURL,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cache token: %w", err)
	}
	return token, nil
}

// SetCacheToken stores the cache token for feedURL.
func (s *SQLite) SetCacheToken(ctx context.Context, feedURL, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_state (feed_url, cache_token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (feed_url) DO UPDATE SET
		     cache_token = excluded.cache_token,
		     updated_at = excluded.updated_at`,
		feedURL, token, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set cache token: %w", err)
	}
	return nil
}

// BeginPass starts a pass. No lock is held between calls: the claim stamps
// rows with the pass's claim ID, and the notified flags and audit entries
// are written in one short transaction opened after dispatch.
func (s *SQLite) BeginPass(_ context.Context) (PassTx, error) {
	return &sqlitePass{db: s.db, claimID: uuid.NewString()}, nil
}

type sqlitePass struct {
	db      *sql.DB
	claimID string
	tx      *sql.Tx
	done    bool
}

// ClaimUnprocessed stamps up to limit unnotified items that no live pass
// holds. Claims older than claimLease are taken over. If the write lock is
// busy the claim is empty.
func (p *sqlitePass) ClaimUnprocessed(ctx context.Context, limit int) ([]model.FeedItem, error) {
	now := time.Now().UTC()
	rows, err := p.db.QueryContext(ctx,
		`UPDATE feed_items SET claim_id = ?, claimed_at = ?
		 WHERE id IN (
		     SELECT id FROM feed_items
		     WHERE notified = 0 AND (claim_id IS NULL OR claimed_at < ?)
		     ORDER BY id LIMIT ?)
		 RETURNING `+sqliteItemColumns,
		p.claimID, now.Format(timeLayout), now.Add(-claimLease).Format(timeLayout), limit,
	)
	if isBusy(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.FeedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		if isBusy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim items: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// writeTx opens the pass's write transaction on first use.
func (p *sqlitePass) writeTx(ctx context.Context) (*sql.Tx, error) {
	if p.done {
		return nil, sql.ErrTxDone
	}
	if p.tx == nil {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin tx: %w", err)
		}
		p.tx = tx
	}
	return p.tx, nil
}

// MarkNotified flips the notified flag of the given unnotified items that
// are unclaimed or claimed by this pass.
func (p *sqlitePass) MarkNotified(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := p.writeTx(ctx)
	if err != nil {
		return 0, err
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC().Format(timeLayout), p.claimID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	res, err := tx.ExecContext(ctx,
		`UPDATE feed_items SET notified = 1, claim_id = NULL, claimed_at = NULL, updated_at = ?
		 WHERE notified = 0 AND (claim_id IS NULL OR claim_id = ?) AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}
	return res.RowsAffected()
}

// InsertAudit records a delivery attempt and populates the entry ID.
func (p *sqlitePass) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	keywords, err := encodeStrings(e.Keywords)
	if err != nil {
		return err
	}
	matched, err := encodeSubscriptions(e.MatchedSubscriptions)
	if err != nil {
		return err
	}
	tx, err := p.writeTx(ctx)
	if err != nil {
		return err
	}
	if e.DeliveredAt.IsZero() {
		e.DeliveredAt = time.Now().UTC().Truncate(time.Second)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (item_id, external_id, delivery_target, keywords,
		                            matched_subscriptions, delivery_error, pass_id, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.ExternalID, e.DeliveryTarget, keywords, string(matched), e.DeliveryError, e.PassID,
		e.DeliveredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// Commit writes the pass and releases claimed items it did not mark.
func (p *sqlitePass) Commit() error {
	ctx := context.Background()
	tx, err := p.writeTx(ctx)
	if err != nil {
		return err
	}
	p.done = true
	if _, err := tx.ExecContext(ctx, releaseClaimsSQL, p.claimID); err != nil {
		_ = tx.Rollback()
		return multierr.Append(fmt.Errorf("release claims: %w", err), p.release())
	}
	if err := tx.Commit(); err != nil {
		return multierr.Append(fmt.Errorf("commit pass: %w", err), p.release())
	}
	return nil
}

// Rollback discards pending writes and releases every claim of the pass.
func (p *sqlitePass) Rollback() error {
	if p.done {
		return nil
	}
	p.done = true
	var err error
	if p.tx != nil {
		if rbErr := p.tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("rollback pass: %w", rbErr)
		}
	}
	return multierr.Append(err, p.release())
}

const releaseClaimsSQL = `UPDATE feed_items SET claim_id = NULL, claimed_at = NULL
	WHERE claim_id = ? AND notified = 0`

func (p *sqlitePass) release() error {
	if _, err := p.db.ExecContext(context.Background(), releaseClaimsSQL, p.claimID); err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*model.FeedItem, error) {
	var it model.FeedItem
	var notified int
	var categories, published, created, updated string
	err := row.Scan(&it.ID, &it.ExternalID, &it.Title, &it.DescriptionRaw, &it.Link, &it.Thumbnail,
		&categories, &published, &notified, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.Notified = notified == 1
	if it.Categories, err = decodeStrings(categories); err != nil {
		return nil, err
	}
	it.PublishedAt, _ = time.Parse(timeLayout, published)
	it.CreatedAt, _ = time.Parse(timeLayout, created)
	it.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &it, nil
}

func scanSubscription(row scannable) (model.Subscription, error) {
	var sub model.Subscription
	var categories, created string
	err := row.Scan(&sub.ID, &sub.Keyword, &sub.OwnerID, &sub.DeliveryTarget, &categories, &created)
	if err != nil {
		return sub, fmt.Errorf("scan subscription: %w", err)
	}
	if sub.Categories, err = decodeStrings(categories); err != nil {
		return sub, err
	}
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return sub, nil
}

func scanAudit(row scannable) (model.AuditEntry, error) {
	var e model.AuditEntry
	var keywords, matched, delivered string
	err := row.Scan(&e.ID, &e.ItemID, &e.ExternalID, &e.DeliveryTarget, &keywords, &matched,
		&e.DeliveryError, &e.PassID, &delivered)
	if err != nil {
		return e, fmt.Errorf("scan audit entry: %w", err)
	}
	if e.Keywords, err = decodeStrings(keywords); err != nil {
		return e, err
	}
	if e.MatchedSubscriptions, err = decodeSubscriptions([]byte(matched)); err != nil {
		return e, err
	}
	e.DeliveredAt, _ = time.Parse(timeLayout, delivered)
	return e, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func encodeSubscriptions(subs []model.Subscription) ([]byte, error) {
	if subs == nil {
		subs = []model.Subscription{}
	}
	b, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("encode subscriptions: %w", err)
	}
	return b, nil
}

func decodeSubscriptions(b []byte) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := json.Unmarshal(b, &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return subs, nil
}
