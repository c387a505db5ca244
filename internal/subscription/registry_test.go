package subscription

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"tender_bot/internal/filter"
	"tender_bot/internal/model"
	"tender_bot/internal/storage"
)

func newTestRegistry(t *testing.T, limit int) (*Registry, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, limit, "Europe/London"), store
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t, 3)

	sub, err := r.Add(ctx, 1, "  Road   WORKS ")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	want := model.Subscription{UserID: 1, ExpressionKey: "road works", Expression: "road works", Watermark: model.Epoch}
	if diff := cmp.Diff(want.ExpressionKey, sub.ExpressionKey); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}
	if !sub.Watermark.Equal(model.Epoch) {
		t.Errorf("watermark = %v, want epoch", sub.Watermark)
	}

	profile, err := store.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("profile should be created on first subscription: %v", err)
	}
	if diff := cmp.Diff("Europe/London", profile.Timezone); diff != "" {
		t.Errorf("default timezone mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name    string
		userID  int64
		text    string
		wantErr error
	}{
		{name: "same expression differently spaced", userID: 1, text: "road works", wantErr: ErrDuplicate},
		{name: "empty", userID: 1, text: "   ", wantErr: ErrEmptyExpression},
		{name: "operators only", userID: 1, text: "AND OR", wantErr: ErrEmptyExpression},
		{name: "second", userID: 1, text: "bridge", wantErr: nil},
		{name: "third", userID: 1, text: "cleaning OR catering", wantErr: nil},
		{name: "over the limit", userID: 1, text: "drainage", wantErr: ErrLimitExceeded},
		{name: "limit is per user", userID: 2, text: "drainage", wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Add(ctx, tt.userID, tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Add(%q) error = %v, want %v", tt.text, err, tt.wantErr)
			}
		})
	}
}

func TestAddLongExpression(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 0)

	text := `"highway maintenance" OR "street lighting" OR "winter gritting" OR resurfacing`
	sub, err := r.Add(ctx, 9, text)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !filter.IsHashKey(sub.ExpressionKey) {
		t.Fatalf("expected hash key, got %q", sub.ExpressionKey)
	}

	subs, err := r.List(ctx, 9)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if diff := cmp.Diff(filter.Normalize(text), subs[0].Expression); diff != "" {
		t.Errorf("expression should resolve from its record (-want +got):\n%s", diff)
	}

	// The resolved text must compile to the same matcher.
	if !filter.Compile(subs[0].Expression).Matches("winter gritting tender") {
		t.Error("resolved expression does not match")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 0)

	for _, text := range []string{"bridge", "cleaning", "catering"} {
		if _, err := r.Add(ctx, 1, text); err != nil {
			t.Fatalf("add %q: %v", text, err)
		}
	}

	if err := r.Remove(ctx, 1, "bridge"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.Remove(ctx, 1, "bridge"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := r.RemoveByText(ctx, 1, "  CLEANING "); err != nil {
		t.Fatalf("remove by text: %v", err)
	}
	if err := r.RemoveByText(ctx, 2, "catering"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user's subscription must not be removed, got %v", err)
	}

	n, err := r.Clear(ctx, 1)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if diff := cmp.Diff(int64(1), n); diff != "" {
		t.Errorf("cleared count (-want +got):\n%s", diff)
	}

	subs, err := r.List(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscriptions, got %d", len(subs))
	}
}

func TestAllGroupedByExpression(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 0)

	adds := []struct {
		userID int64
		text   string
	}{
		{1, "bridge"},
		{2, "Bridge"},
		{2, "cleaning"},
		{3, "bridge"},
	}
	for _, a := range adds {
		if _, err := r.Add(ctx, a.userID, a.text); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	groups, err := r.AllGroupedByExpression(ctx)
	if err != nil {
		t.Fatalf("group: %v", err)
	}

	got := make(map[string][]int64)
	for key, subs := range groups {
		for _, s := range subs {
			got[key] = append(got[key], s.UserID)
		}
	}
	want := map[string][]int64{
		"bridge":   {1, 2, 3},
		"cleaning": {2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestSetTimezone(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t, 0)

	tests := []struct {
		zone    string
		want    string
		wantErr bool
	}{
		{zone: "Europe/Istanbul", want: "Europe/Istanbul"},
		{zone: " America/New_York ", want: "America/New_York"},
		{zone: "UTC", want: "UTC"},
		{zone: "Mars/Olympus", wantErr: true},
		{zone: "", wantErr: true},
		{zone: "Local", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.zone, func(t *testing.T) {
			got, err := r.SetTimezone(ctx, 5, tt.zone)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTimezone) {
					t.Errorf("expected ErrInvalidTimezone, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("set timezone: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("zone mismatch (-want +got):\n%s", diff)
			}
			profile, err := store.GetUser(ctx, 5)
			if err != nil {
				t.Fatalf("get user: %v", err)
			}
			if diff := cmp.Diff(tt.want, profile.Timezone); diff != "" {
				t.Errorf("stored zone mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 0)

	for _, text := range []string{"bridge", `"street lighting", lamps`} {
		if _, err := r.Add(ctx, 1, text); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := r.Export(ctx, 1, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if diff := cmp.Diff([]string{"expression", "key", "watermark", "created_at"}, rows[0]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	var exprs []string
	for _, row := range rows[1:] {
		exprs = append(exprs, row[0])
		if diff := cmp.Diff("1970-01-01T00:00:00Z", row[2]); diff != "" {
			t.Errorf("watermark mismatch (-want +got):\n%s", diff)
		}
	}
	want := []string{"bridge", `"street lighting", lamps`}
	if diff := cmp.Diff(want, exprs, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("expressions mismatch (-want +got):\n%s", diff)
	}
}
