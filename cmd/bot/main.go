package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	_ "time/tzdata"

	"tender_bot/internal/bot"
	"tender_bot/internal/config"
	"tender_bot/internal/fetcher"
	"tender_bot/internal/scheduler"
	"tender_bot/internal/storage"
	"tender_bot/internal/subscription"
	"tender_bot/internal/summarize"
	"tender_bot/internal/tracker"
)

const summaryCacheSize = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	registry := subscription.New(store, cfg.MaxSubscriptions, cfg.DefaultTimezone)

	b, err := bot.New(cfg.TelegramBotToken, registry, store, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	var summarizer summarize.Summarizer
	if cfg.OllamaURL != "" {
		ollama, err := summarize.NewOllama(cfg.OllamaURL, cfg.OllamaModel, http.DefaultClient)
		if err != nil {
			log.Error("create summarizer", "url", cfg.OllamaURL, "error", err)
			os.Exit(1)
		}
		cached, err := summarize.NewCached(ollama, summaryCacheSize)
		if err != nil {
			log.Error("create summary cache", "error", err)
			os.Exit(1)
		}
		summarizer = cached
		log.Info("summaries enabled", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
	}

	engine := scheduler.New(scheduler.Deps{
		Store:      store,
		Fetcher:    fetcher.New(http.DefaultClient, cfg.FeedURL, log),
		Registry:   registry,
		Tracker:    tracker.New(store, nil),
		Summarizer: summarizer,
		Dispatcher: b,
		Log:        log,
	}, scheduler.Options{
		ScanInterval:     cfg.ScanInterval,
		ReminderInterval: cfg.ReminderInterval,
		DigestHour:       cfg.DigestHour,
		Retention:        cfg.Retention(),
		BackupDir:        cfg.BackupDir,
	})
	b.SetScanner(engine)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot", "feed", cfg.FeedURL)

	go engine.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
