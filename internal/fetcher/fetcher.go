// Package fetcher downloads the notice feed and normalizes it into entries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sethvargo/go-retry"

	"tender_bot/internal/model"
)

// UserAgent is sent with every feed request.
const UserAgent = "TenderWatchBot/1.0"

const maxBodyBytes = 10 << 20

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheToken carries the validators of the last successful response. Sending
// them back lets the server answer 304 when nothing changed.
type CacheToken struct {
	ETag         string
	LastModified string
}

// Result holds the outcome of one fetch.
type Result struct {
	Entries     []model.Entry
	Token       CacheToken
	NotModified bool
}

// TransientError is returned when the feed could not be fetched for a reason
// expected to go away on its own: network failures, timeouts, 429 and 5xx.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return "transient fetch failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Fetcher downloads and parses the notice feed.
type Fetcher struct {
	client        HTTPClient
	url           string
	log           *slog.Logger
	timeout       time.Duration
	attempts      uint64
	baseDelay     time.Duration
	maxRetryAfter time.Duration
	now           func() time.Time
}

// New creates a Fetcher for url with the given HTTP client.
func New(client HTTPClient, url string, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client:        client,
		url:           url,
		log:           log,
		timeout:       30 * time.Second,
		attempts:      3,
		baseDelay:     2 * time.Second,
		maxRetryAfter: 2 * time.Minute,
		now:           time.Now,
	}
}

// URL returns the feed endpoint.
func (f *Fetcher) URL() string {
	return f.url
}

// SetTimeout overrides the per-attempt timeout.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.timeout = d
}

// SetRetryPolicy overrides the number of attempts, the base backoff delay and
// the cap applied to server-provided Retry-After delays.
func (f *Fetcher) SetRetryPolicy(attempts int, base, maxRetryAfter time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	f.attempts = uint64(attempts)
	f.baseDelay = base
	f.maxRetryAfter = maxRetryAfter
}

// SetClock overrides the time source used for fetch timestamps.
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
}

// Fetch downloads the feed, retrying transient failures with exponential
// backoff. Once retries are exhausted the last failure is returned as a
// *TransientError.
func (f *Fetcher) Fetch(ctx context.Context, token CacheToken) (*Result, error) {
	var (
		result *Result
		hint   time.Duration
	)
	backoff := retry.WithMaxRetries(f.attempts-1, retry.NewExponential(f.baseDelay))
	backoff = honorRetryAfter(backoff, &hint, f.maxRetryAfter)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := f.attempt(ctx, token)
		if err != nil {
			var te *TransientError
			if errors.As(err, &te) {
				f.log.Debug("fetch attempt failed", "url", f.url, "error", err)
				hint = te.RetryAfter
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// honorRetryAfter lets a Retry-After hint from the last response replace the
// next computed delay.
func honorRetryAfter(next retry.Backoff, hint *time.Duration, limit time.Duration) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		if *hint > 0 {
			d = min(*hint, limit)
			*hint = 0
		}
		return d, false
	})
}

func (f *Fetcher) attempt(ctx context.Context, token CacheToken) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if token.ETag != "" {
		req.Header.Set("If-None-Match", token.ETag)
	}
	if token.LastModified != "" {
		req.Header.Set("If-Modified-Since", token.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("http get: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{Token: token, NotModified: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}

	entries, err := f.parse(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	return &Result{
		Entries: entries,
		Token: CacheToken{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}, nil
}

// parseRetryAfter accepts both forms of the header: delay seconds and an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func (f *Fetcher) parse(body []byte, contentType string) ([]model.Entry, error) {
	fetched := f.now().UTC().Truncate(time.Second)

	if isCSV(contentType, body) {
		return f.parseCSV(body, fetched)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]model.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		raw := rawItem{
			id:         item.GUID,
			title:      item.Title,
			link:       item.Link,
			body:       item.Description,
			published:  item.PublishedParsed,
			enclosures: item.Enclosures,
		}
		if raw.body == "" {
			raw.body = item.Content
		}
		if raw.published == nil {
			raw.published = item.UpdatedParsed
		}
		e, err := normalize(raw, fetched)
		if err != nil {
			f.log.Warn("skip feed item", "title", item.Title, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
