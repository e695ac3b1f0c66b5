package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"deal_notifier/internal/fetcher"
	"deal_notifier/internal/model"
	"deal_notifier/internal/storage"
)

const feedURL = "https://www.ozbargain.com.au/deals/feed"

type mockPoller struct {
	mu     sync.Mutex
	result fetcher.PollResult
	err    error
	tokens []string
}

func (m *mockPoller) Poll(_ context.Context, token string) (fetcher.PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	return m.result, m.err
}

type failingUpserter struct{}

func (failingUpserter) UpsertItem(context.Context, model.ItemInput) (*model.FeedItem, error) {
	return nil, errors.New("database is closed")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../../testdata/ozbargain.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	poller := &mockPoller{result: fetcher.PollResult{Body: loadFixture(t), Token: `"v1"`}}

	ing := New(store, store, poller, feedURL, discardLogger())
	stats, err := ing.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	want := Stats{Entries: 5, Upserted: 2, Skipped: 3}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	for _, guid := range []string{"840001", "840002"} {
		item, err := store.GetItem(ctx, guid)
		if err != nil {
			t.Fatalf("get %s: %v", guid, err)
		}
		if item.Notified {
			t.Errorf("item %s stored as notified", guid)
		}
	}

	token, err := store.CacheToken(ctx, feedURL)
	if err != nil {
		t.Fatalf("cache token: %v", err)
	}
	if token != `"v1"` {
		t.Errorf("token = %q, want %q", token, `"v1"`)
	}

	// A second identical poll creates no new rows.
	if _, err := ing.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if diff := cmp.Diff([]string{"", `"v1"`}, poller.tokens); diff != "" {
		t.Errorf("tokens sent mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.GetItem(ctx, "840003"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("skipped entry stored: err = %v", err)
	}
}

func TestRunOnceNotModified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.SetCacheToken(ctx, feedURL, `"v7"`); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	poller := &mockPoller{result: fetcher.PollResult{Token: `"v7"`, NotModified: true}}

	stats, err := New(store, store, poller, feedURL, discardLogger()).RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if diff := cmp.Diff(Stats{NotModified: true}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{`"v7"`}, poller.tokens); diff != "" {
		t.Errorf("tokens sent mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.GetItem(ctx, "840001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("store changed on not-modified poll: err = %v", err)
	}
}

func TestRunOnceStoreFailureKeepsToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	poller := &mockPoller{result: fetcher.PollResult{Body: loadFixture(t), Token: `"v2"`}}

	_, err := New(failingUpserter{}, store, poller, feedURL, discardLogger()).RunOnce(ctx)
	if err == nil {
		t.Fatal("expected error from failing store")
	}

	token, err := store.CacheToken(ctx, feedURL)
	if err != nil {
		t.Fatalf("cache token: %v", err)
	}
	if token != "" {
		t.Errorf("token saved after failed cycle: %q", token)
	}
}

func TestRunOncePollError(t *testing.T) {
	store := newTestStore(t)
	poller := &mockPoller{err: fetcher.ErrUnexpectedStatus}

	_, err := New(store, store, poller, feedURL, discardLogger()).RunOnce(context.Background())
	if !errors.Is(err, fetcher.ErrUnexpectedStatus) {
		t.Errorf("err = %v, want ErrUnexpectedStatus", err)
	}
}

func TestRunOnceMalformedDocument(t *testing.T) {
	store := newTestStore(t)
	poller := &mockPoller{result: fetcher.PollResult{Body: []byte("<html>nope"), Token: `"v3"`}}

	if _, err := New(store, store, poller, feedURL, discardLogger()).RunOnce(context.Background()); err == nil {
		t.Error("expected parse error")
	}
}
