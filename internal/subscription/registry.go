// Package subscription manages users' standing interest expressions and
// their profiles.
package subscription

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"tender_bot/internal/filter"
	"tender_bot/internal/model"
	"tender_bot/internal/storage"
)

// Errors returned to the command surface.
var (
	ErrEmptyExpression = errors.New("expression has no terms")
	ErrDuplicate       = errors.New("already subscribed to this expression")
	ErrLimitExceeded   = errors.New("subscription limit reached")
	ErrNotFound        = errors.New("subscription not found")
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// Registry adds, removes and lists subscriptions on top of the store.
type Registry struct {
	store       storage.Storage
	limit       int
	defaultZone string
}

// New creates a Registry. limit caps subscriptions per user; zero or less
// disables the cap.
func New(store storage.Storage, limit int, defaultZone string) *Registry {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &Registry{store: store, limit: limit, defaultZone: defaultZone}
}

// EnsureUser returns the profile of userID, creating it with the default
// timezone on first use. The boolean reports whether it was created.
func (r *Registry) EnsureUser(ctx context.Context, userID int64) (model.UserProfile, bool, error) {
	p := model.UserProfile{UserID: userID, Timezone: r.defaultZone}
	created, err := r.store.CreateUser(ctx, &p)
	if err != nil {
		return p, false, fmt.Errorf("ensure user: %w", err)
	}
	return p, created, nil
}

// Add subscribes userID to the expression in text.
func (r *Registry) Add(ctx context.Context, userID int64, text string) (model.Subscription, error) {
	if filter.Compile(text).Empty() {
		return model.Subscription{}, ErrEmptyExpression
	}
	norm := filter.Normalize(text)
	key := filter.Key(text)

	if _, _, err := r.EnsureUser(ctx, userID); err != nil {
		return model.Subscription{}, err
	}

	if r.limit > 0 {
		n, err := r.store.CountSubscriptions(ctx, userID)
		if err != nil {
			return model.Subscription{}, fmt.Errorf("count subscriptions: %w", err)
		}
		if n >= r.limit {
			return model.Subscription{}, ErrLimitExceeded
		}
	}

	if filter.IsHashKey(key) {
		if err := r.store.SaveExpression(ctx, key, norm); err != nil {
			return model.Subscription{}, fmt.Errorf("save expression: %w", err)
		}
	}

	sub := model.Subscription{UserID: userID, ExpressionKey: key, Expression: norm, Watermark: model.Epoch}
	if err := r.store.CreateSubscription(ctx, &sub); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Subscription{}, ErrDuplicate
		}
		return model.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// Remove deletes the subscription of userID identified by its expression key.
func (r *Registry) Remove(ctx context.Context, userID int64, key string) error {
	err := r.store.DeleteSubscription(ctx, userID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// RemoveByText deletes the subscription whose expression normalizes to the
// same text.
func (r *Registry) RemoveByText(ctx context.Context, userID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyExpression
	}
	return r.Remove(ctx, userID, filter.Key(text))
}

// Clear deletes every subscription of userID and returns how many there were.
func (r *Registry) Clear(ctx context.Context, userID int64) (int64, error) {
	n, err := r.store.DeleteSubscriptions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clear subscriptions: %w", err)
	}
	return n, nil
}

// List returns the subscriptions of userID with their expression text.
func (r *Registry) List(ctx context.Context, userID int64) ([]model.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// AllGroupedByExpression returns every subscription grouped by expression
// key, so callers compile each distinct expression once.
func (r *Registry) AllGroupedByExpression(ctx context.Context) (map[string][]model.Subscription, error) {
	subs, err := r.store.ListAllSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list all subscriptions: %w", err)
	}
	groups := make(map[string][]model.Subscription)
	for _, s := range subs {
		groups[s.ExpressionKey] = append(groups[s.ExpressionKey], s)
	}
	return groups, nil
}

// SetTimezone validates zone as an IANA name and stores it on the profile.
func (r *Registry) SetTimezone(ctx context.Context, userID int64, zone string) (string, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" || strings.EqualFold(zone, "local") {
		return "", ErrInvalidTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidTimezone, zone)
	}

	if _, _, err := r.EnsureUser(ctx, userID); err != nil {
		return "", err
	}
	if err := r.store.SetTimezone(ctx, userID, loc.String()); err != nil {
		return "", fmt.Errorf("set timezone: %w", err)
	}
	return loc.String(), nil
}

// Export writes the subscriptions of userID to w as CSV.
func (r *Registry) Export(ctx context.Context, userID int64, w io.Writer) error {
	subs, err := r.List(ctx, userID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"expression", "key", "watermark", "created_at"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range subs {
		row := []string{
			s.Expression,
			s.ExpressionKey,
			s.Watermark.UTC().Format(time.RFC3339),
			s.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
