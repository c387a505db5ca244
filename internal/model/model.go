// Package model defines the domain types used across the application.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ContentKeyPrefix marks identifiers derived from a content hash.
const ContentKeyPrefix = "x:"

// ContentKey returns a short, stable identifier for text. Equal text always
// yields the same key, so records keyed by it are write-once.
func ContentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return ContentKeyPrefix + hex.EncodeToString(sum[:12])
}

// Epoch is the watermark of a subscription that has never been scanned.
var Epoch = time.Unix(0, 0).UTC()

// Entry is one normalized procurement notice taken from the feed.
// Entries are immutable once stored; ID is the deduplication key.
type Entry struct {
	ID          string
	Title       string
	Summary     string
	Link        string
	PublishedAt time.Time
	ClosingAt   *time.Time
	Budget      string
	DocumentURL string
	FetchedAt   time.Time
}

// Ref returns the bounded reference of the entry used in callback payloads.
func (e Entry) Ref() string {
	return ContentKey(e.ID)
}

// Subscription is a user's standing interest expression.
type Subscription struct {
	UserID        int64
	ExpressionKey string
	// Expression is the resolved expression text. It is not stored on the
	// subscription row when ExpressionKey is a content hash.
	Expression string
	Watermark  time.Time
	CreatedAt  time.Time
}

// DeliveryKind identifies which notification was delivered for an entry.
type DeliveryKind string

// Supported delivery kinds.
const (
	KindNotify   DeliveryKind = "notify"
	KindReminder DeliveryKind = "reminder"
)

// DeliveryRecord marks a notification that has already been sent.
type DeliveryRecord struct {
	UserID  int64
	EntryID string
	Kind    DeliveryKind
	SentAt  time.Time
}

// UserProfile holds per-user settings and digest state.
type UserProfile struct {
	UserID   int64
	Timezone string
	// LastDigestDate is the YYYY-MM-DD date, in the user's zone, of the last
	// attempted digest. Empty until the first one.
	LastDigestDate string
	CreatedAt      time.Time
}

// FeedState is the conditional-fetch cache token of a feed endpoint.
type FeedState struct {
	URL          string
	ETag         string
	LastModified string
	UpdatedAt    time.Time
}

// Verdict is a user's judgement of a notified entry.
type Verdict string

// Supported feedback verdicts.
const (
	VerdictSuitable   Verdict = "suitable"
	VerdictUnsuitable Verdict = "unsuitable"
)

// Feedback records a verdict given through a notification button.
type Feedback struct {
	UserID    int64
	EntryID   string
	Verdict   Verdict
	CreatedAt time.Time
}
