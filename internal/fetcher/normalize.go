package fetcher

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"tender_bot/internal/model"
)

var errNoIdentity = errors.New("item has neither id nor link")

var (
	closingRe = regexp.MustCompile(`\b(\d{1,2} [A-Za-z]+ \d{4}(?: \d{1,2}:\d{2})?)`)
	budgetRe  = regexp.MustCompile(`£([0-9,]+)`)
	pdfURLRe  = regexp.MustCompile(`(?i)https?://[^\s"'<>]+\.pdf\b`)

	closingLayouts = []string{"2 January 2006 15:04", "2 January 2006"}

	stripPolicy = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)
)

// rawItem is a feed item before normalization, independent of the feed format.
type rawItem struct {
	id         string
	title      string
	link       string
	body       string
	published  *time.Time
	closing    *time.Time
	enclosures []*gofeed.Enclosure
}

func normalize(raw rawItem, fetched time.Time) (model.Entry, error) {
	id := strings.TrimSpace(raw.id)
	link := strings.TrimSpace(raw.link)
	if id == "" {
		id = link
	}
	if id == "" {
		return model.Entry{}, errNoIdentity
	}

	text := plainText(raw.body)
	e := model.Entry{
		ID:          id,
		Title:       collapse(raw.title),
		Summary:     text,
		Link:        link,
		PublishedAt: fetched,
		FetchedAt:   fetched,
		Budget:      budget(text),
		DocumentURL: documentURL(raw.enclosures, raw.body),
	}
	if raw.published != nil && !raw.published.IsZero() {
		e.PublishedAt = raw.published.UTC().Truncate(time.Second)
	}
	if raw.closing != nil {
		c := raw.closing.UTC().Truncate(time.Second)
		e.ClosingAt = &c
	} else {
		e.ClosingAt = closingDate(text)
	}
	return e, nil
}

// plainText strips markup, decodes entities and collapses whitespace.
func plainText(s string) string {
	if s == "" {
		return ""
	}
	return collapse(html.UnescapeString(stripPolicy.Sanitize(s)))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// closingDate finds the first "D Month YYYY[ HH:MM]" date in text. Times
// without a zone are taken as UTC.
func closingDate(text string) *time.Time {
	m := closingRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	for _, layout := range closingLayouts {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return &t
		}
	}
	t, err := dateparse.ParseIn(m[1], time.UTC)
	if err != nil {
		return nil
	}
	t = t.UTC().Truncate(time.Second)
	return &t
}

func budget(text string) string {
	m := budgetRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ReplaceAll(m[1], ",", "")
}

// documentURL looks for an attached PDF: a typed enclosure first, then an
// anchor whose text mentions PDF, then any bare .pdf URL in the markup.
func documentURL(enclosures []*gofeed.Enclosure, body string) string {
	for _, enc := range enclosures {
		if enc != nil && strings.EqualFold(enc.Type, "application/pdf") && enc.URL != "" {
			return enc.URL
		}
	}
	if body == "" {
		return ""
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		var href string
		doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.Contains(strings.ToUpper(s.Text()), "PDF") {
				href, _ = s.Attr("href")
				return false
			}
			return true
		})
		if href != "" {
			return href
		}
	}

	return pdfURLRe.FindString(body)
}
