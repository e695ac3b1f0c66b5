package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"deal_notifier/internal/model"
)

type mockResponse struct {
	body       string
	statusCode int
	etag       string
	err        error
}

// mockTransport replays responses in order, repeating the last one.
type mockTransport struct {
	mu        sync.Mutex
	responses []mockResponse
	requests  []*http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := len(m.requests)
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.requests = append(m.requests, req)
	r := m.responses[i]
	if r.err != nil {
		return nil, r.err
	}
	header := http.Header{}
	if r.etag != "" {
		header.Set("ETag", r.etag)
	}
	return &http.Response{
		StatusCode: r.statusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newTestFetcher(tr *mockTransport) *Fetcher {
	f := New(tr, "https://example.com/deals/feed")
	f.SetBackoff(time.Millisecond)
	return f
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		responses []mockResponse
		want      PollResult
		wantCalls int
		wantErr   error
	}{
		{
			name:      "fresh body with etag",
			responses: []mockResponse{{body: "<rss/>", statusCode: 200, etag: `"v2"`}},
			want:      PollResult{Body: []byte("<rss/>"), Token: `"v2"`},
			wantCalls: 1,
		},
		{
			name:      "not modified keeps token",
			token:     `"v1"`,
			responses: []mockResponse{{statusCode: 304}},
			want:      PollResult{Token: `"v1"`, NotModified: true},
			wantCalls: 1,
		},
		{
			name:  "server error is retried",
			token: `"v1"`,
			responses: []mockResponse{
				{statusCode: 502},
				{body: "<rss/>", statusCode: 200, etag: `"v3"`},
			},
			want:      PollResult{Body: []byte("<rss/>"), Token: `"v3"`},
			wantCalls: 2,
		},
		{
			name:      "client error is not retried",
			responses: []mockResponse{{body: "not found", statusCode: 404}},
			wantCalls: 1,
			wantErr:   ErrUnexpectedStatus,
		},
		{
			name:      "network error gives up after retries",
			responses: []mockResponse{{err: io.ErrUnexpectedEOF}},
			wantCalls: 3,
			wantErr:   io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{responses: tt.responses}
			got, err := newTestFetcher(tr).Poll(context.Background(), tt.token)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			} else if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Poll mismatch (-want +got):\n%s", diff)
			}

			if len(tr.requests) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(tr.requests), tt.wantCalls)
			}
			for _, req := range tr.requests {
				if got := req.Header.Get("If-None-Match"); got != tt.token {
					t.Errorf("If-None-Match = %q, want %q", got, tt.token)
				}
			}
		})
	}
}

func TestParseFixture(t *testing.T) {
	xml := loadFixture(t, "../../testdata/ozbargain.xml")

	feed, err := Parse([]byte(xml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var inputs []model.ItemInput
	var errs []error
	for _, item := range feed.Items {
		in, err := ToInput(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inputs = append(inputs, in)
	}

	aest := time.FixedZone("", 11*60*60)
	want := []model.ItemInput{
		{
			ExternalID:     "840001",
			Title:          "50% off Widgets @ Example Store",
			DescriptionRaw: `<p>Great <b>deal</b> on widgets</p><img src="https://files.example.com/w.jpg" alt="Blue Widget">`,
			Link:           "https://www.ozbargain.com.au/node/840001",
			Thumbnail:      "https://files.example.com/thumb/840001.jpg",
			Categories:     []string{"Computing", "Home & Garden"},
			PublishedAt:    time.Date(2024, 3, 1, 10, 30, 0, 0, aest),
		},
		{
			ExternalID:     "840002",
			Title:          "Nintendo Switch OLED $399 @ Big W",
			DescriptionRaw: "<p>Lowest price yet</p>",
			Link:           "https://www.ozbargain.com.au/node/840002",
			Categories:     []string{"Gaming"},
			PublishedAt:    time.Date(2024, 3, 1, 11, 5, 0, 0, aest),
		},
	}
	if diff := cmp.Diff(want, inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}

	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}
	if !errors.Is(errs[0], ErrMissingField) {
		t.Errorf("missing link: err = %v", errs[0])
	}
	if !errors.Is(errs[1], ErrBadDate) {
		t.Errorf("bad date: err = %v", errs[1])
	}
	if !errors.Is(errs[2], ErrMissingField) {
		t.Errorf("missing guid: err = %v", errs[2])
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("not xml at all")); err == nil {
		t.Error("expected error for invalid feed")
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		guid string
		want string
	}{
		{guid: "840001 at https://www.ozbargain.com.au", want: "840001"},
		{guid: "  840001\tat", want: "840001"},
		{guid: "plain", want: "plain"},
		{guid: "   ", want: ""},
		{guid: "", want: ""},
	}
	for _, tt := range tests {
		got := ItemGUID(&gofeed.Item{GUID: tt.guid})
		if got != tt.want {
			t.Errorf("ItemGUID(%q) = %q, want %q", tt.guid, got, tt.want)
		}
	}
}
