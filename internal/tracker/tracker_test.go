package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tender_bot/internal/model"
	"tender_bot/internal/storage"
)

func TestMarkSent(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tr := New(store, nil)

	sent, err := tr.AlreadySent(ctx, 1, "e1", model.KindNotify)
	if err != nil {
		t.Fatalf("already sent: %v", err)
	}
	if sent {
		t.Fatal("nothing sent yet")
	}

	for i := 0; i < 3; i++ {
		if err := tr.MarkSent(ctx, 1, "e1", model.KindNotify); err != nil {
			t.Fatalf("mark sent #%d: %v", i, err)
		}
	}

	tests := []struct {
		name    string
		userID  int64
		entryID string
		kind    model.DeliveryKind
		want    bool
	}{
		{name: "marked", userID: 1, entryID: "e1", kind: model.KindNotify, want: true},
		{name: "other kind", userID: 1, entryID: "e1", kind: model.KindReminder, want: false},
		{name: "other user", userID: 2, entryID: "e1", kind: model.KindNotify, want: false},
		{name: "other entry", userID: 1, entryID: "e2", kind: model.KindNotify, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.AlreadySent(ctx, tt.userID, tt.entryID, tt.kind)
			if err != nil {
				t.Fatalf("already sent: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("AlreadySent mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInReminderWindow(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		left time.Duration
		want bool
	}{
		{name: "already closed", left: -time.Hour, want: false},
		{name: "closing now", left: 0, want: false},
		{name: "one day", left: 24 * time.Hour, want: false},
		{name: "exactly 47h", left: 47 * time.Hour, want: false},
		{name: "just after 47h", left: 47*time.Hour + time.Second, want: true},
		{name: "47.5h", left: 47*time.Hour + 30*time.Minute, want: true},
		{name: "48h", left: 48 * time.Hour, want: true},
		{name: "exactly 49h", left: 49 * time.Hour, want: true},
		{name: "past 49h", left: 49*time.Hour + time.Second, want: false},
		{name: "a week", left: 7 * 24 * time.Hour, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, InReminderWindow(now.Add(tt.left), now)); diff != "" {
				t.Errorf("InReminderWindow mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
