package bot

import (
	"fmt"
	"strings"
	"time"

	"tender_bot/internal/model"
)

const dateLayout = "2 Jan 2006 15:04 MST"

// DigestLine is one row of a daily digest.
type DigestLine struct {
	Expression string
	Count      int
}

// FormatNotification formats a matched entry as a notification message.
func FormatNotification(e model.Entry, summary, expression string) string {
	var b strings.Builder
	b.WriteString(e.Title)
	if summary != "" {
		b.WriteString("\n\n")
		b.WriteString(summary)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "\nPublished: %s", e.PublishedAt.UTC().Format(dateLayout))
	if e.ClosingAt != nil {
		fmt.Fprintf(&b, "\nCloses: %s", e.ClosingAt.UTC().Format(dateLayout))
	}
	if e.Budget != "" {
		fmt.Fprintf(&b, "\nBudget: £%s", e.Budget)
	}
	if e.DocumentURL != "" {
		fmt.Fprintf(&b, "\nDocuments: %s", e.DocumentURL)
	}
	fmt.Fprintf(&b, "\nMatched: %s", expression)
	if e.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Link)
	}
	return b.String()
}

// FormatReminder formats the closing-soon reminder of an entry.
func FormatReminder(e model.Entry, expression string, now time.Time) string {
	var b strings.Builder
	b.WriteString("Closing soon")
	if e.ClosingAt != nil {
		left := e.ClosingAt.Sub(now).Round(time.Hour)
		fmt.Fprintf(&b, " (in about %d hours)", int(left.Hours()))
	}
	b.WriteString("\n\n")
	b.WriteString(e.Title)
	if e.ClosingAt != nil {
		fmt.Fprintf(&b, "\nCloses: %s", e.ClosingAt.UTC().Format(dateLayout))
	}
	fmt.Fprintf(&b, "\nMatched: %s", expression)
	if e.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Link)
	}
	return b.String()
}

// FormatDigest formats the daily per-expression match counts.
func FormatDigest(date string, lines []DigestLine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest for %s\n", date)
	total := 0
	for _, l := range lines {
		if l.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %d new", l.Expression, l.Count)
		total += l.Count
	}
	fmt.Fprintf(&b, "\n\nTotal: %d", total)
	return b.String()
}

// FormatSubscriptionList formats the subscriptions of a user.
func FormatSubscriptionList(subs []model.Subscription) string {
	if len(subs) == 0 {
		return "You have no subscriptions yet. Use /subscribe <expression> to add one."
	}
	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for i, s := range subs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s.Expression)
	}
	b.WriteString("\n\nTap a button below to remove one.")
	return b.String()
}
