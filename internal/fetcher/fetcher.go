// Package fetcher polls the deal feed and turns its entries into item inputs.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sethvargo/go-retry"

	"deal_notifier/internal/model"
)

// PubDateLayout is the fixed publish timestamp format of the feed.
const PubDateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

const maxBodySize = 5 * 1024 * 1024

// Errors returned for entries that cannot be ingested.
var (
	ErrMissingField     = errors.New("missing required field")
	ErrBadDate          = errors.New("unparsable publish date")
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// PollResult is the outcome of one conditional GET of the feed.
type PollResult struct {
	Body        []byte
	Token       string
	NotModified bool
}

// Fetcher downloads a single feed with ETag revalidation.
type Fetcher struct {
	client  HTTPClient
	url     string
	timeout time.Duration
	retries uint64
	backoff time.Duration
}

// New creates a Fetcher for url using the given HTTP client.
func New(client HTTPClient, url string) *Fetcher {
	return &Fetcher{
		client:  client,
		url:     url,
		timeout: 10 * time.Second,
		retries: 2,
		backoff: 500 * time.Millisecond,
	}
}

// URL returns the polled feed address.
func (f *Fetcher) URL() string {
	return f.url
}

// SetBackoff changes the base delay between retries.
func (f *Fetcher) SetBackoff(d time.Duration) {
	f.backoff = d
}

// Poll fetches the feed, sending token as If-None-Match. Network failures,
// 429 and 5xx responses are retried with exponential backoff.
func (f *Fetcher) Poll(ctx context.Context, token string) (PollResult, error) {
	var res PollResult
	b := retry.WithMaxRetries(f.retries, retry.NewExponential(f.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		r, err := f.poll(ctx, token)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return PollResult{}, err
	}
	return res, nil
}

func (f *Fetcher) poll(ctx context.Context, token string) (PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "DealNotifier/1.0")
	if token != "" {
		req.Header.Set("If-None-Match", token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return PollResult{}, retry.RetryableError(fmt.Errorf("http get: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return PollResult{Token: token, NotModified: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return PollResult{}, retry.RetryableError(fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return PollResult{}, fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return PollResult{}, retry.RetryableError(fmt.Errorf("read body: %w", err))
	}
	return PollResult{Body: body, Token: resp.Header.Get("ETag")}, nil
}

// Parse decodes a feed document.
func Parse(body []byte) (*gofeed.Feed, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemGUID returns the first whitespace-delimited token of the item's guid.
func ItemGUID(item *gofeed.Item) string {
	fields := strings.Fields(item.GUID)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ToInput extracts the stored fields of a feed entry. Entries without a
// guid, title, link, description or valid publish date are rejected.
func ToInput(item *gofeed.Item) (model.ItemInput, error) {
	in := model.ItemInput{
		ExternalID:     ItemGUID(item),
		Title:          item.Title,
		Link:           item.Link,
		DescriptionRaw: item.Description,
		Thumbnail:      thumbnail(item),
	}

	for _, f := range []struct{ name, value string }{
		{"guid", in.ExternalID},
		{"title", in.Title},
		{"publication date", item.Published},
		{"link", in.Link},
		{"description", in.DescriptionRaw},
	} {
		if strings.TrimSpace(f.value) == "" {
			return model.ItemInput{}, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}

	published, err := time.Parse(PubDateLayout, strings.TrimSpace(item.Published))
	if err != nil {
		return model.ItemInput{}, fmt.Errorf("%w: %q", ErrBadDate, item.Published)
	}
	in.PublishedAt = published

	for _, c := range item.Categories {
		in.Categories = append(in.Categories, html.UnescapeString(c))
	}
	return in, nil
}

func thumbnail(item *gofeed.Item) string {
	media, ok := item.Extensions["media"]
	if !ok {
		return ""
	}
	thumbs := media["thumbnail"]
	if len(thumbs) == 0 {
		return ""
	}
	return thumbs[0].Attrs["url"]
}
