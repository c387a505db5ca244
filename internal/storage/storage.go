// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"tender_bot/internal/model"
)

// Sentinel errors returned by Storage implementations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertEntries(ctx context.Context, entries []model.Entry) (int, error)
	GetEntry(ctx context.Context, id string) (*model.Entry, error)
	GetEntryByRef(ctx context.Context, ref string) (*model.Entry, error)
	ListEntriesPublishedAfter(ctx context.Context, after time.Time) ([]model.Entry, error)
	ListEntriesPublishedBetween(ctx context.Context, from, to time.Time) ([]model.Entry, error)
	ListEntriesClosingBetween(ctx context.Context, from, to time.Time) ([]model.Entry, error)
	PurgeEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	SaveExpression(ctx context.Context, key, text string) error

	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	CountSubscriptions(ctx context.Context, userID int64) (int, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error)
	ListAllSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, userID int64, key string) error
	DeleteSubscriptions(ctx context.Context, userID int64) (int64, error)
	AdvanceWatermark(ctx context.Context, userID int64, key string, to time.Time) error

	MarkDelivered(ctx context.Context, rec model.DeliveryRecord) (bool, error)
	IsDelivered(ctx context.Context, userID int64, entryID string, kind model.DeliveryKind) (bool, error)

	CreateUser(ctx context.Context, user *model.UserProfile) (bool, error)
	GetUser(ctx context.Context, userID int64) (*model.UserProfile, error)
	ListUsers(ctx context.Context) ([]model.UserProfile, error)
	SetTimezone(ctx context.Context, userID int64, zone string) error
	SetLastDigestDate(ctx context.Context, userID int64, date string) error

	GetFeedState(ctx context.Context, url string) (model.FeedState, error)
	SaveFeedState(ctx context.Context, state model.FeedState) error

	SaveFeedback(ctx context.Context, fb model.Feedback) error

	Backup(ctx context.Context, path string) error
	Close() error
}
