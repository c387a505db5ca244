// Package summarize shortens notice text for notifications.
package summarize

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ollama/ollama/api"

	"tender_bot/internal/model"
)

// FallbackRunes is the length of the truncated summary used when no
// summarizer is available.
const FallbackRunes = 120

const maxPromptRunes = 1000

// Summarizer turns raw notice text into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Text summarizes raw with s and falls back to a truncation of raw when s is
// nil, fails or returns nothing. The result is never empty unless raw is.
func Text(ctx context.Context, s Summarizer, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if s != nil {
		out, err := s.Summarize(ctx, raw)
		if err == nil {
			if out = strings.TrimSpace(out); out != "" {
				return out
			}
		}
	}
	return Fallback(raw)
}

// Fallback returns the first FallbackRunes runes of text followed by an
// ellipsis when text is longer.
func Fallback(text string) string {
	return truncate(strings.TrimSpace(text), FallbackRunes, "…")
}

func truncate(s string, n int, suffix string) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + suffix
}

// Ollama summarizes through an Ollama server.
type Ollama struct {
	client  *api.Client
	model   string
	timeout time.Duration
}

// NewOllama creates a summarizer for the server at baseURL. httpClient may be
// nil to use http.DefaultClient.
func NewOllama(baseURL, modelName string, httpClient *http.Client) (*Ollama, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{
		client:  api.NewClient(u, httpClient),
		model:   modelName,
		timeout: 30 * time.Second,
	}, nil
}

// SetTimeout overrides the per-request timeout.
func (o *Ollama) SetTimeout(d time.Duration) {
	o.timeout = d
}

// Summarize asks the model for a two to three sentence summary.
func (o *Ollama) Summarize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	prompt := "Summarize the following public procurement notice in 2-3 plain sentences, " +
		"avoiding jargon and highlighting what is being bought, by whom and any deadline:\n\n" +
		truncate(text, maxPromptRunes, "")

	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: new(bool),
		Options: map[string]any{
			"temperature": 0.3,
		},
	}

	var out strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

// Cached memoizes another Summarizer by content. Failures are not cached.
type Cached struct {
	next  Summarizer
	cache *lru.Cache[string, string]
}

// NewCached wraps next with an LRU cache holding up to size summaries.
func NewCached(next Summarizer, size int) (*Cached, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create summary cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

// Summarize returns the cached summary of text or computes and stores it.
func (c *Cached) Summarize(ctx context.Context, text string) (string, error) {
	key := model.ContentKey(text)
	if s, ok := c.cache.Get(key); ok {
		return s, nil
	}
	s, err := c.next.Summarize(ctx, text)
	if err != nil {
		return "", err
	}
	if s != "" {
		c.cache.Add(key, s)
	}
	return s, nil
}
