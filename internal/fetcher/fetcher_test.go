package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"tender_bot/internal/model"
)

type mockResponse struct {
	body       string
	statusCode int
	header     http.Header
	err        error
}

// mockTransport replays responses in order and repeats the last one.
type mockTransport struct {
	responses []mockResponse
	requests  []*http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	r := m.responses[min(len(m.requests), len(m.responses))-1]
	if r.err != nil {
		return nil, r.err
	}
	header := r.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: r.statusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

var fetchTime = time.Date(2026, 10, 16, 7, 30, 15, 0, time.UTC)

func newTestFetcher(m *mockTransport) *Fetcher {
	f := New(m, "https://example.gov.uk/rss", slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.SetRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
	f.SetClock(func() time.Time { return fetchTime })
	return f
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func date(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func datePtr(s string) *time.Time {
	t := date(s)
	return &t
}

func TestFetchRSS(t *testing.T) {
	m := &mockTransport{responses: []mockResponse{{
		body:       loadFixture(t, "../../testdata/notices.xml"),
		statusCode: http.StatusOK,
		header: http.Header{
			"Content-Type":  {"application/rss+xml"},
			"Etag":          {`"abc"`},
			"Last-Modified": {"Fri, 16 Oct 2026 07:00:00 GMT"},
		},
	}}}

	res, err := newTestFetcher(m).Fetch(context.Background(), CacheToken{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.Entry{
		{
			ID:          "N1",
			Title:       "Highway Maintenance Framework",
			Summary:     "Resurfacing of the A1 corridor. Value: £250,000 Closing date: 20 October 2026 12:00 Tender PDF",
			Link:        "https://example.gov.uk/notice/1",
			PublishedAt: date("2026-10-01T09:00:00Z"),
			ClosingAt:   datePtr("2026-10-20T12:00:00Z"),
			Budget:      "250000",
			DocumentURL: "https://example.gov.uk/docs/n1.pdf",
			FetchedAt:   date("2026-10-16T07:30:15Z"),
		},
		{
			ID:          "https://example.gov.uk/notice/2",
			Title:       "School Cleaning Services",
			Summary:     "Cleaning services for schools & colleges. Deadline 5 November 2026.",
			Link:        "https://example.gov.uk/notice/2",
			PublishedAt: date("2026-10-02T10:30:00Z"),
			ClosingAt:   datePtr("2026-11-05T00:00:00Z"),
			DocumentURL: "https://example.gov.uk/docs/n2.pdf",
			FetchedAt:   date("2026-10-16T07:30:15Z"),
		},
		{
			ID:          "N4",
			Title:       "Catering Contract",
			Summary:     "Catering. Specification at https://example.gov.uk/docs/itt-4.pdf for bidders.",
			PublishedAt: date("2026-10-16T07:30:15Z"),
			DocumentURL: "https://example.gov.uk/docs/itt-4.pdf",
			FetchedAt:   date("2026-10-16T07:30:15Z"),
		},
	}
	if diff := cmp.Diff(want, res.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(CacheToken{ETag: `"abc"`, LastModified: "Fri, 16 Oct 2026 07:00:00 GMT"}, res.Token); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	if got := m.requests[0].Header.Get("User-Agent"); got != UserAgent {
		t.Errorf("User-Agent = %q, want %q", got, UserAgent)
	}
}

func TestFetchCSV(t *testing.T) {
	body := loadFixture(t, "../../testdata/notices.csv")

	want := []model.Entry{
		{
			ID:          "C1",
			Title:       "School cleaning",
			Summary:     "Cleaning of twelve schools, value £80,000",
			Link:        "https://example.gov.uk/c1",
			PublishedAt: date("2026-10-02T08:00:00Z"),
			ClosingAt:   datePtr("2026-10-30T17:00:00Z"),
			Budget:      "80000",
			FetchedAt:   fetchTime,
		},
		{
			ID:          "https://example.gov.uk/c2",
			Title:       "Bridge inspection",
			Summary:     "Inspection of road bridges",
			Link:        "https://example.gov.uk/c2",
			PublishedAt: date("2026-10-03T08:00:00Z"),
			FetchedAt:   fetchTime,
		},
	}

	tests := []struct {
		name        string
		contentType string
	}{
		{name: "by content type", contentType: "text/csv; charset=utf-8"},
		{name: "by header sniffing", contentType: "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockTransport{responses: []mockResponse{{
				body:       body,
				statusCode: http.StatusOK,
				header:     http.Header{"Content-Type": {tt.contentType}},
			}}}
			res, err := newTestFetcher(m).Fetch(context.Background(), CacheToken{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(want, res.Entries); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchNotModified(t *testing.T) {
	m := &mockTransport{responses: []mockResponse{{statusCode: http.StatusNotModified}}}
	token := CacheToken{ETag: `"v7"`, LastModified: "Thu, 15 Oct 2026 10:00:00 GMT"}

	res, err := newTestFetcher(m).Fetch(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NotModified {
		t.Error("expected NotModified")
	}
	if len(res.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(res.Entries))
	}
	if diff := cmp.Diff(token, res.Token); diff != "" {
		t.Errorf("token should be kept (-want +got):\n%s", diff)
	}

	req := m.requests[0]
	if diff := cmp.Diff(token.ETag, req.Header.Get("If-None-Match")); diff != "" {
		t.Errorf("If-None-Match mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(token.LastModified, req.Header.Get("If-Modified-Since")); diff != "" {
		t.Errorf("If-Modified-Since mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRetries(t *testing.T) {
	ok := mockResponse{body: loadFixture(t, "../../testdata/notices.xml"), statusCode: http.StatusOK}
	unavailable := mockResponse{statusCode: http.StatusServiceUnavailable}

	tests := []struct {
		name          string
		responses     []mockResponse
		wantCalls     int
		wantErr       bool
		wantTransient bool
	}{
		{
			name:      "success first try",
			responses: []mockResponse{ok},
			wantCalls: 1,
		},
		{
			name:      "recovers after two 5xx",
			responses: []mockResponse{unavailable, unavailable, ok},
			wantCalls: 3,
		},
		{
			name: "429 with long retry-after is capped",
			responses: []mockResponse{
				{statusCode: http.StatusTooManyRequests, header: http.Header{"Retry-After": {"120"}}},
				ok,
			},
			wantCalls: 2,
		},
		{
			name:          "gives up after three attempts",
			responses:     []mockResponse{unavailable},
			wantCalls:     3,
			wantErr:       true,
			wantTransient: true,
		},
		{
			name:          "network error is transient",
			responses:     []mockResponse{{err: io.ErrUnexpectedEOF}},
			wantCalls:     3,
			wantErr:       true,
			wantTransient: true,
		},
		{
			name:      "404 is fatal",
			responses: []mockResponse{{statusCode: http.StatusNotFound, body: "not found"}},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "invalid document is fatal",
			responses: []mockResponse{{statusCode: http.StatusOK, body: "not a feed at all"}},
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockTransport{responses: tt.responses}
			start := time.Now()
			_, err := newTestFetcher(m).Fetch(context.Background(), CacheToken{})

			if diff := cmp.Diff(tt.wantCalls, len(m.requests)); diff != "" {
				t.Errorf("attempts mismatch (-want +got):\n%s", diff)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("fetch took %v, retry delays not honored", elapsed)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var te *TransientError
			if got := errors.As(err, &te); got != tt.wantTransient {
				t.Errorf("transient = %v, want %v (err: %v)", got, tt.wantTransient, err)
			}
		})
	}
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &mockTransport{responses: []mockResponse{{statusCode: http.StatusOK}}}
	if _, err := newTestFetcher(m).Fetch(ctx, CacheToken{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "30", want: 30 * time.Second},
		{value: "-4", want: 0},
		{value: "Fri, 16 Oct 2026 10:01:00 GMT", want: time.Minute},
		{value: "Fri, 16 Oct 2026 09:00:00 GMT", want: 0},
		{value: "soon", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, parseRetryAfter(tt.value, now)); diff != "" {
				t.Errorf("parseRetryAfter(%q) mismatch (-want +got):\n%s", tt.value, diff)
			}
		})
	}
}

func TestClosingDate(t *testing.T) {
	tests := []struct {
		text string
		want *time.Time
	}{
		{text: "Closing date: 20 October 2026 12:00", want: datePtr("2026-10-20T12:00:00Z")},
		{text: "Deadline 5 November 2026.", want: datePtr("2026-11-05T00:00:00Z")},
		{text: "Respond by 12 Feb 2027", want: datePtr("2027-02-12T00:00:00Z")},
		{text: "No date here", want: nil},
		{text: "Lot twelve, year 2026", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, closingDate(tt.text)); diff != "" {
				t.Errorf("closingDate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{text: "Value £1,250,000 excl. VAT", want: "1250000"},
		{text: "£500", want: "500"},
		{text: "no value stated", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, budget(tt.text)); diff != "" {
				t.Errorf("budget mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDocumentURL(t *testing.T) {
	tests := []struct {
		name       string
		enclosures []*gofeed.Enclosure
		body       string
		want       string
	}{
		{
			name:       "typed enclosure wins",
			enclosures: []*gofeed.Enclosure{{URL: "https://x/img.png", Type: "image/png"}, {URL: "https://x/a.pdf", Type: "application/pdf"}},
			body:       `<a href="https://x/b.pdf">PDF</a>`,
			want:       "https://x/a.pdf",
		},
		{
			name: "anchor mentioning pdf",
			body: `<a href="https://x/page">Details</a> <a href="https://x/docs?id=3">Download pdf</a>`,
			want: "https://x/docs?id=3",
		},
		{
			name: "bare url",
			body: "See https://x/itt.PDF now",
			want: "https://x/itt.PDF",
		},
		{
			name: "nothing",
			body: "<p>plain notice</p>",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, documentURL(tt.enclosures, tt.body)); diff != "" {
				t.Errorf("documentURL mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	got := plainText("<div><b>Road</b>works &amp; <i>drainage</i></div>\n\n<p>Lot&nbsp;2</p>")
	if strings.Contains(got, "<") {
		t.Errorf("markup left in %q", got)
	}
	if !strings.Contains(got, "drainage") || !strings.Contains(got, "&") {
		t.Errorf("text lost in %q", got)
	}
	if strings.Contains(got, "  ") {
		t.Errorf("whitespace not collapsed in %q", got)
	}
}
