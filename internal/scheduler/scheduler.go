// Package scheduler runs the periodic jobs of the bot: feed scans, closing
// reminders, daily digests and store maintenance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tender_bot/internal/bot"
	"tender_bot/internal/fetcher"
	"tender_bot/internal/filter"
	"tender_bot/internal/model"
	"tender_bot/internal/storage"
	"tender_bot/internal/subscription"
	"tender_bot/internal/summarize"
	"tender_bot/internal/tracker"
)

// ErrScanInProgress is returned by Scan when another scan is running.
var ErrScanInProgress = errors.New("scan already in progress")

// Fetcher retrieves the current notice feed.
type Fetcher interface {
	URL() string
	Fetch(ctx context.Context, token fetcher.CacheToken) (*fetcher.Result, error)
}

// Dispatcher delivers a message to a user.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID int64, msg bot.Message) error
}

// Options tunes the engine. Zero values take the defaults.
type Options struct {
	ScanInterval        time.Duration
	ReminderInterval    time.Duration
	DigestInterval      time.Duration
	MaintenanceInterval time.Duration
	DigestHour          int
	Retention           time.Duration
	BackupDir           string
	DispatchTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = 10 * time.Minute
	}
	if o.ReminderInterval <= 0 {
		o.ReminderInterval = 30 * time.Minute
	}
	if o.DigestInterval <= 0 {
		o.DigestInterval = 15 * time.Minute
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 24 * time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 15 * time.Second
	}
	return o
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store      storage.Storage
	Fetcher    Fetcher
	Registry   *subscription.Registry
	Tracker    *tracker.Tracker
	Summarizer summarize.Summarizer // nil uses the truncation fallback
	Dispatcher Dispatcher
	Log        *slog.Logger
}

// ScanReport summarizes one scan cycle.
type ScanReport struct {
	Fetched     int
	Inserted    int
	NotModified bool
	Skipped     bool
	Evaluated   int
	Dispatched  int
	Failed      int
}

// Engine runs scans and the timed jobs against the store.
type Engine struct {
	store      storage.Storage
	fetcher    Fetcher
	registry   *subscription.Registry
	tracker    *tracker.Tracker
	summarizer summarize.Summarizer
	dispatcher Dispatcher
	log        *slog.Logger
	opts       Options

	// Now is the engine clock.
	Now func() time.Time

	scanMu  sync.Mutex
	scanReq chan struct{}
}

// New creates an Engine.
func New(d Deps, opts Options) *Engine {
	return &Engine{
		store:      d.Store,
		fetcher:    d.Fetcher,
		registry:   d.Registry,
		tracker:    d.Tracker,
		summarizer: d.Summarizer,
		dispatcher: d.Dispatcher,
		log:        d.Log,
		opts:       opts.withDefaults(),
		Now:        time.Now,
		scanReq:    make(chan struct{}, 1),
	}
}

// RequestScan queues a scan to run as soon as the engine loop is free. It
// reports false when one is already queued.
func (e *Engine) RequestScan() bool {
	select {
	case e.scanReq <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run starts the engine loop, blocking until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.scan(ctx)
	e.sweep(ctx)
	e.digest(ctx)

	scanTicker := time.NewTicker(e.opts.ScanInterval)
	defer scanTicker.Stop()
	reminderTicker := time.NewTicker(e.opts.ReminderInterval)
	defer reminderTicker.Stop()
	digestTicker := time.NewTicker(e.opts.DigestInterval)
	defer digestTicker.Stop()
	maintTicker := time.NewTicker(e.opts.MaintenanceInterval)
	defer maintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			e.scan(ctx)
		case <-e.scanReq:
			e.scan(ctx)
		case <-reminderTicker.C:
			e.sweep(ctx)
		case <-digestTicker.C:
			e.digest(ctx)
		case <-maintTicker.C:
			if err := e.Maintain(ctx); err != nil {
				e.log.Error("maintenance", "error", err)
			}
		}
	}
}

func (e *Engine) scan(ctx context.Context) {
	report, err := e.Scan(ctx)
	if err != nil {
		e.log.Error("scan", "error", err)
		return
	}
	if report.Skipped {
		return
	}
	e.log.Info("scan finished",
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"not_modified", report.NotModified,
		"evaluated", report.Evaluated,
		"dispatched", report.Dispatched,
		"failed", report.Failed,
	)
}

func (e *Engine) sweep(ctx context.Context) {
	n, err := e.SweepReminders(ctx)
	if err != nil {
		e.log.Error("reminder sweep", "error", err)
		return
	}
	if n > 0 {
		e.log.Info("sent reminders", "count", n)
	}
}

func (e *Engine) digest(ctx context.Context) {
	n, err := e.RunDigest(ctx)
	if err != nil {
		e.log.Error("digest", "error", err)
		return
	}
	if n > 0 {
		e.log.Info("sent digests", "count", n)
	}
}

// Scan fetches the feed, stores new entries and notifies every subscription
// of the entries published after its watermark that match its expression.
// A scan started while another one runs returns ErrScanInProgress.
func (e *Engine) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	if !e.scanMu.TryLock() {
		return report, ErrScanInProgress
	}
	defer e.scanMu.Unlock()

	url := e.fetcher.URL()
	state, err := e.store.GetFeedState(ctx, url)
	if err != nil {
		return report, fmt.Errorf("load feed state: %w", err)
	}

	res, err := e.fetcher.Fetch(ctx, fetcher.CacheToken{ETag: state.ETag, LastModified: state.LastModified})
	if err != nil {
		var te *fetcher.TransientError
		if errors.As(err, &te) {
			e.log.Warn("fetch failed, skipping cycle", "url", url, "error", err)
			report.Skipped = true
			return report, nil
		}
		return report, fmt.Errorf("fetch %s: %w", url, err)
	}

	report.NotModified = res.NotModified
	if !res.NotModified {
		report.Fetched = len(res.Entries)
		if report.Inserted, err = e.store.UpsertEntries(ctx, res.Entries); err != nil {
			return report, fmt.Errorf("store entries: %w", err)
		}
		err = e.store.SaveFeedState(ctx, model.FeedState{
			URL:          url,
			ETag:         res.Token.ETag,
			LastModified: res.Token.LastModified,
			UpdatedAt:    e.Now().UTC(),
		})
		if err != nil {
			e.log.Error("save feed state", "url", url, "error", err)
		}
	}

	if err := e.evaluate(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, report *ScanReport) error {
	groups, err := e.registry.AllGroupedByExpression(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	low := time.Time{}
	for _, subs := range groups {
		for _, s := range subs {
			if low.IsZero() || s.Watermark.Before(low) {
				low = s.Watermark
			}
		}
	}
	entries, err := e.store.ListEntriesPublishedAfter(ctx, low)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	summaries := make(map[string]string)
	for _, key := range sortedKeys(groups) {
		subs := groups[key]
		expr := filter.Compile(subs[0].Expression)
		for _, sub := range subs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.evaluateSubscription(ctx, sub, expr, entries, summaries, report)
		}
	}
	return nil
}

func (e *Engine) evaluateSubscription(ctx context.Context, sub model.Subscription, expr filter.Expression, entries []model.Entry, summaries map[string]string, report *ScanReport) {
	var maxSeen time.Time
	for _, entry := range entries {
		if !entry.PublishedAt.After(sub.Watermark) {
			continue
		}
		report.Evaluated++
		if entry.PublishedAt.After(maxSeen) {
			maxSeen = entry.PublishedAt
		}
		if !expr.MatchEntry(entry) {
			continue
		}

		sent, err := e.tracker.AlreadySent(ctx, sub.UserID, entry.ID, model.KindNotify)
		if err != nil {
			e.log.Error("check delivery", "user_id", sub.UserID, "entry_id", entry.ID, "error", err)
			return
		}
		if sent {
			continue
		}

		summary, ok := summaries[entry.ID]
		if !ok {
			summary = summarize.Text(ctx, e.summarizer, entry.Summary)
			summaries[entry.ID] = summary
		}
		msg := bot.Message{Text: bot.FormatNotification(entry, summary, sub.Expression), EntryID: entry.ID}
		if e.dispatch(ctx, sub.UserID, msg) {
			report.Dispatched++
		} else {
			report.Failed++
		}

		if err := e.tracker.MarkSent(ctx, sub.UserID, entry.ID, model.KindNotify); err != nil {
			e.log.Error("mark delivery", "user_id", sub.UserID, "entry_id", entry.ID, "error", err)
		}
	}

	if maxSeen.IsZero() {
		return
	}
	if err := e.store.AdvanceWatermark(ctx, sub.UserID, sub.ExpressionKey, maxSeen); err != nil {
		e.log.Error("advance watermark", "user_id", sub.UserID, "key", sub.ExpressionKey, "error", err)
	}
}

func (e *Engine) dispatch(ctx context.Context, userID int64, msg bot.Message) bool {
	dctx, cancel := context.WithTimeout(ctx, e.opts.DispatchTimeout)
	defer cancel()
	if err := e.dispatcher.Dispatch(dctx, userID, msg); err != nil {
		e.log.Error("dispatch", "user_id", userID, "entry_id", msg.EntryID, "error", err)
		return false
	}
	return true
}

// SweepReminders sends a closing-soon reminder for every stored entry that
// closes 47 to 49 hours from now to each user whose subscription matches it.
// It returns the number of reminders sent.
func (e *Engine) SweepReminders(ctx context.Context) (int, error) {
	now := e.Now().UTC()
	entries, err := e.store.ListEntriesClosingBetween(ctx,
		now.Add(tracker.ReminderWindowStart), now.Add(tracker.ReminderWindowEnd))
	if err != nil {
		return 0, fmt.Errorf("load closing entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	groups, err := e.registry.AllGroupedByExpression(ctx)
	if err != nil {
		return 0, err
	}

	sentCount := 0
	for _, key := range sortedKeys(groups) {
		subs := groups[key]
		expr := filter.Compile(subs[0].Expression)
		for _, entry := range entries {
			if entry.ClosingAt == nil || !tracker.InReminderWindow(*entry.ClosingAt, now) {
				continue
			}
			if !expr.MatchEntry(entry) {
				continue
			}
			for _, sub := range subs {
				if ctx.Err() != nil {
					return sentCount, ctx.Err()
				}
				sent, err := e.tracker.AlreadySent(ctx, sub.UserID, entry.ID, model.KindReminder)
				if err != nil {
					e.log.Error("check reminder", "user_id", sub.UserID, "entry_id", entry.ID, "error", err)
					continue
				}
				if sent {
					continue
				}

				msg := bot.Message{Text: bot.FormatReminder(entry, sub.Expression, now), EntryID: entry.ID}
				if e.dispatch(ctx, sub.UserID, msg) {
					sentCount++
				}
				if err := e.tracker.MarkSent(ctx, sub.UserID, entry.ID, model.KindReminder); err != nil {
					e.log.Error("mark reminder", "user_id", sub.UserID, "entry_id", entry.ID, "error", err)
				}
			}
		}
	}
	return sentCount, nil
}

// RunDigest sends the daily digest to every user whose local time is in the
// digest hour and who has not had a digest for the local date yet. Users
// without matches get no message but are still marked for the date.
// It returns the number of digests sent.
func (e *Engine) RunDigest(ctx context.Context) (int, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	now := e.Now()
	sent := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		loc, err := time.LoadLocation(u.Timezone)
		if err != nil {
			e.log.Warn("invalid user timezone, using UTC", "user_id", u.UserID, "timezone", u.Timezone)
			loc = time.UTC
		}
		local := now.In(loc)
		date := local.Format("2006-01-02")
		if local.Hour() != e.opts.DigestHour || u.LastDigestDate == date {
			continue
		}

		ok, err := e.digestUser(ctx, u.UserID, local, date)
		if err != nil {
			e.log.Error("build digest", "user_id", u.UserID, "error", err)
			continue
		}
		if ok {
			sent++
		}
		if err := e.store.SetLastDigestDate(ctx, u.UserID, date); err != nil {
			e.log.Error("set digest date", "user_id", u.UserID, "error", err)
		}
	}
	return sent, nil
}

func (e *Engine) digestUser(ctx context.Context, userID int64, local time.Time, date string) (bool, error) {
	subs, err := e.registry.List(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(subs) == 0 {
		return false, nil
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	entries, err := e.store.ListEntriesPublishedBetween(ctx, midnight, local)
	if err != nil {
		return false, fmt.Errorf("load entries: %w", err)
	}

	lines := make([]bot.DigestLine, 0, len(subs))
	total := 0
	for _, sub := range subs {
		expr := filter.Compile(sub.Expression)
		n := 0
		for _, entry := range entries {
			if expr.MatchEntry(entry) {
				n++
			}
		}
		lines = append(lines, bot.DigestLine{Expression: sub.Expression, Count: n})
		total += n
	}
	if total == 0 {
		return false, nil
	}

	return e.dispatch(ctx, userID, bot.Message{Text: bot.FormatDigest(date, lines)}), nil
}

// Maintain purges entries past the retention window and writes a database
// snapshot when a backup directory is configured.
func (e *Engine) Maintain(ctx context.Context) error {
	now := e.Now().UTC()
	n, err := e.store.PurgeEntriesBefore(ctx, now.Add(-e.opts.Retention))
	if err != nil {
		return fmt.Errorf("purge entries: %w", err)
	}
	if n > 0 {
		e.log.Info("purged entries", "count", n)
	}

	if e.opts.BackupDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.opts.BackupDir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(e.opts.BackupDir, "tender_"+now.Format("20060102_150405")+".db")
	if err := e.store.Backup(ctx, path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	e.log.Info("database backup written", "path", path)
	return nil
}

func sortedKeys(groups map[string][]model.Subscription) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
