// Package tracker records which notifications were sent so each one goes
// out at most once per user, entry and kind.
package tracker

import (
	"context"
	"fmt"
	"time"

	"tender_bot/internal/model"
	"tender_bot/internal/storage"
)

// Reminder window bounds, measured from now to the closing deadline.
const (
	ReminderWindowStart = 47 * time.Hour
	ReminderWindowEnd   = 49 * time.Hour
)

// Tracker guards delivery records in the store.
type Tracker struct {
	store storage.Storage
	now   func() time.Time
}

// New creates a Tracker. now stamps delivery records; nil means time.Now.
func New(store storage.Storage, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}
}

// AlreadySent reports whether a notification of kind went to userID for the
// entry.
func (t *Tracker) AlreadySent(ctx context.Context, userID int64, entryID string, kind model.DeliveryKind) (bool, error) {
	sent, err := t.store.IsDelivered(ctx, userID, entryID, kind)
	if err != nil {
		return false, fmt.Errorf("already sent: %w", err)
	}
	return sent, nil
}

// MarkSent records the delivery. Marking an already recorded delivery is a
// no-op.
func (t *Tracker) MarkSent(ctx context.Context, userID int64, entryID string, kind model.DeliveryKind) error {
	_, err := t.store.MarkDelivered(ctx, model.DeliveryRecord{
		UserID:  userID,
		EntryID: entryID,
		Kind:    kind,
		SentAt:  t.now(),
	})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// InReminderWindow reports whether closingAt is more than 47 and at most 49
// hours after now.
func InReminderWindow(closingAt, now time.Time) bool {
	if !closingAt.After(now) {
		return false
	}
	left := closingAt.Sub(now)
	return left > ReminderWindowStart && left <= ReminderWindowEnd
}
