package fetcher

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"tender_bot/internal/model"
)

// column aliases accepted in a CSV header, by field.
var csvColumns = map[string][]string{
	"id":        {"id", "guid", "notice_id"},
	"title":     {"title"},
	"summary":   {"description", "summary"},
	"link":      {"link", "url"},
	"published": {"published", "published_date", "pubdate"},
	"closing":   {"closing", "closing_date", "deadline"},
}

// isCSV reports whether the response looks like a CSV export rather than
// RSS or Atom.
func isCSV(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "csv") {
		return true
	}
	line, _, _ := bytes.Cut(bytes.TrimLeft(body, "\ufeff \t\r\n"), []byte("\n"))
	if bytes.ContainsAny(line, "<>") || !bytes.Contains(line, []byte(",")) {
		return false
	}
	idx := headerIndex(strings.Split(string(line), ","))
	_, ok := idx["title"]
	return ok
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.Trim(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), `"`))
		for field, aliases := range csvColumns {
			for _, a := range aliases {
				if name == a {
					if _, seen := idx[field]; !seen {
						idx[field] = i
					}
				}
			}
		}
	}
	return idx
}

func (f *Fetcher) parseCSV(body []byte, fetched time.Time) ([]model.Entry, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := headerIndex(header)
	if _, ok := idx["title"]; !ok {
		return nil, errors.New("csv header has no title column")
	}

	var entries []model.Entry
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.log.Warn("skip csv row", "line", line, "error", err)
			continue
		}

		get := func(field string) string {
			i, ok := idx[field]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		raw := rawItem{
			id:        get("id"),
			title:     get("title"),
			link:      get("link"),
			body:      get("summary"),
			published: parseCSVTime(get("published")),
			closing:   parseCSVTime(get("closing")),
		}
		e, err := normalize(raw, fetched)
		if err != nil {
			f.log.Warn("skip csv row", "line", line, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseCSVTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t
	}
	t, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}
