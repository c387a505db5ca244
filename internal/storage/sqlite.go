package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"tender_bot/internal/model"
	"tender_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
//
// All writes go through a single mutex so that the scheduler's triggers
// never interleave their updates. Reads use the connection pool directly.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertEntries inserts entries not stored yet and returns how many were new.
// Existing entries are left untouched: the first captured version wins.
func (s *SQLite) UpsertEntries(ctx context.Context, entries []model.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO entries
		 (id, ref, title, summary, link, published_at, closing_at, budget, document_url, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare insert entry: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx,
			e.ID, e.Ref(), e.Title, e.Summary, e.Link, formatTime(e.PublishedAt),
			formatTimePtr(e.ClosingAt), e.Budget, e.DocumentURL, formatTime(e.FetchedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit entries: %w", err)
	}
	return inserted, nil
}

const entryColumns = `id, title, summary, link, published_at, closing_at, budget, document_url, fetched_at`

// GetEntry returns a single entry by its ID.
func (s *SQLite) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntryByRef returns the entry whose content-addressed reference is ref.
func (s *SQLite) GetEntryByRef(ctx context.Context, ref string) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE ref = ?`, ref)
	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntriesPublishedAfter returns entries published strictly after the
// given instant, oldest first.
func (s *SQLite) ListEntriesPublishedAfter(ctx context.Context, after time.Time) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE published_at > ? ORDER BY published_at, id`,
		formatTime(after),
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ListEntriesPublishedBetween returns entries with from <= published_at < to.
func (s *SQLite) ListEntriesPublishedBetween(ctx context.Context, from, to time.Time) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE published_at >= ? AND published_at < ? ORDER BY published_at, id`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ListEntriesClosingBetween returns entries with from < closing_at <= to.
func (s *SQLite) ListEntriesClosingBetween(ctx context.Context, from, to time.Time) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE closing_at IS NOT NULL AND closing_at > ? AND closing_at <= ?
		 ORDER BY closing_at, id`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query closing entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// PurgeEntriesBefore deletes entries published before cutoff together with
// their delivery and feedback records.
func (s *SQLite) PurgeEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c := formatTime(cutoff)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE entry_id IN (SELECT id FROM entries WHERE published_at < ?)`, c,
	); err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM feedback WHERE entry_id IN (SELECT id FROM entries WHERE published_at < ?)`, c,
	); err != nil {
		return 0, fmt.Errorf("delete feedback: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE published_at < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, tx.Commit()
}

// SaveExpression records the text behind a hashed expression key. Records are
// write-once; saving an existing key is a no-op.
func (s *SQLite) SaveExpression(ctx context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO expressions (key, text) VALUES (?, ?)`, key, text,
	)
	if err != nil {
		return fmt.Errorf("insert expression: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription and populates its CreatedAt.
// It returns ErrDuplicate if the user already has the same expression.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	watermark := sub.Watermark
	if watermark.IsZero() {
		watermark = model.Epoch
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (user_id, expression_key, watermark, created_at)
		 VALUES (?, ?, ?, ?)`,
		sub.UserID, sub.ExpressionKey, formatTime(watermark), now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	sub.Watermark = watermark.UTC()
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// CountSubscriptions returns the number of subscriptions of a user.
func (s *SQLite) CountSubscriptions(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

const subscriptionQuery = `SELECT s.user_id, s.expression_key, COALESCE(e.text, s.expression_key), s.watermark, s.created_at
	FROM subscriptions s LEFT JOIN expressions e ON e.key = s.expression_key`

// ListSubscriptions returns the subscriptions of a user in creation order,
// with their expression text resolved.
func (s *SQLite) ListSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		subscriptionQuery+` WHERE s.user_id = ? ORDER BY s.created_at, s.expression_key`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// ListAllSubscriptions returns every subscription ordered by expression key.
func (s *SQLite) ListAllSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		subscriptionQuery+` ORDER BY s.expression_key, s.user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// DeleteSubscription removes one subscription of a user.
func (s *SQLite) DeleteSubscription(ctx context.Context, userID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND expression_key = ?`, userID, key,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscriptions removes all subscriptions of a user.
func (s *SQLite) DeleteSubscriptions(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// AdvanceWatermark moves a subscription's watermark forward to the given
// instant. A watermark is never moved backwards.
func (s *SQLite) AdvanceWatermark(ctx context.Context, userID int64, key string, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := formatTime(to)
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET watermark = ?
		 WHERE user_id = ? AND expression_key = ? AND watermark < ?`,
		t, userID, key, t,
	)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// MarkDelivered records a delivery. It reports false without error when the
// record already exists.
func (s *SQLite) MarkDelivered(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (user_id, entry_id, kind, sent_at) VALUES (?, ?, ?, ?)`,
		rec.UserID, rec.EntryID, string(rec.Kind), formatTime(sentAt),
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IsDelivered checks whether a notification of the given kind was already
// sent to the user for the entry.
func (s *SQLite) IsDelivered(ctx context.Context, userID int64, entryID string, kind model.DeliveryKind) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE user_id = ? AND entry_id = ? AND kind = ?`,
		userID, entryID, string(kind),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

// CreateUser inserts a profile unless one exists and reports whether it was
// created. The stored profile is written back into user.
func (s *SQLite) CreateUser(ctx context.Context, user *model.UserProfile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (user_id, timezone, last_digest_date, created_at) VALUES (?, ?, '', ?)`,
		user.UserID, user.Timezone, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT user_id, timezone, last_digest_date, created_at FROM users WHERE user_id = ?`, user.UserID,
	))
	if err != nil {
		return false, err
	}
	*user = stored
	return n > 0, nil
}

// GetUser returns a single profile by user ID.
func (s *SQLite) GetUser(ctx context.Context, userID int64) (*model.UserProfile, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT user_id, timezone, last_digest_date, created_at FROM users WHERE user_id = ?`, userID,
	))
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns every profile.
func (s *SQLite) ListUsers(ctx context.Context) ([]model.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, timezone, last_digest_date, created_at FROM users ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.UserProfile
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetTimezone updates the timezone of a user.
func (s *SQLite) SetTimezone(ctx context.Context, userID int64, zone string) error {
	return s.updateUser(ctx, `UPDATE users SET timezone = ? WHERE user_id = ?`, zone, userID)
}

// SetLastDigestDate records the local date of the last attempted digest.
func (s *SQLite) SetLastDigestDate(ctx context.Context, userID int64, date string) error {
	return s.updateUser(ctx, `UPDATE users SET last_digest_date = ? WHERE user_id = ?`, date, userID)
}

func (s *SQLite) updateUser(ctx context.Context, query string, value string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, value, userID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFeedState returns the stored cache token of a feed. A feed never
// fetched yields an empty state.
func (s *SQLite) GetFeedState(ctx context.Context, url string) (model.FeedState, error) {
	st := model.FeedState{URL: url}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, last_modified, updated_at FROM feed_state WHERE url = ?`, url,
	).Scan(&st.ETag, &st.LastModified, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("scan feed state: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return st, nil
}

// SaveFeedState stores the cache token of a feed.
func (s *SQLite) SaveFeedState(ctx context.Context, st model.FeedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_state (url, etag, last_modified, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET etag = excluded.etag,
		   last_modified = excluded.last_modified, updated_at = excluded.updated_at`,
		st.URL, st.ETag, st.LastModified, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save feed state: %w", err)
	}
	return nil
}

// SaveFeedback stores a user's verdict on an entry, replacing an earlier one.
func (s *SQLite) SaveFeedback(ctx context.Context, fb model.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (user_id, entry_id, verdict, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, entry_id) DO UPDATE SET verdict = excluded.verdict, created_at = excluded.created_at`,
		fb.UserID, fb.EntryID, string(fb.Verdict), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// Backup writes a consistent snapshot of the database to path.
func (s *SQLite) Backup(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (model.Entry, error) {
	var e model.Entry
	var published, fetched string
	var closing sql.NullString
	err := row.Scan(&e.ID, &e.Title, &e.Summary, &e.Link, &published, &closing,
		&e.Budget, &e.DocumentURL, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("scan entry: %w", err)
	}
	e.PublishedAt = parseTime(published)
	e.FetchedAt = parseTime(fetched)
	if closing.Valid {
		t := parseTime(closing.String)
		e.ClosingAt = &t
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var watermark, created string
		if err := rows.Scan(&sub.UserID, &sub.ExpressionKey, &sub.Expression, &watermark, &created); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Watermark = parseTime(watermark)
		sub.CreatedAt = parseTime(created)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanUser(row scannable) (model.UserProfile, error) {
	var u model.UserProfile
	var created string
	err := row.Scan(&u.UserID, &u.Timezone, &u.LastDigestDate, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}
