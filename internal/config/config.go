// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultFeedURL is the Contracts Finder notice feed.
const DefaultFeedURL = "https://www.contractsfinder.service.gov.uk/Published/Notices/Rss"

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	FeedURL          string
	ScanInterval     time.Duration
	ReminderInterval time.Duration
	DigestHour       int
	RetentionDays    int
	MaxSubscriptions int
	DefaultTimezone  string
	BackupDir        string

	OllamaURL   string
	OllamaModel string
}

// Load reads configuration from environment variables. Variables missing from
// the environment are taken from the given dotenv files, or from .env in the
// working directory when none are given. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     envOr("DATABASE_PATH", "./data/bot.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		AllowedUsers:     allowedUsers,
		FeedURL:          envOr("FEED_URL", DefaultFeedURL),
		DefaultTimezone:  envOr("DEFAULT_TIMEZONE", "UTC"),
		BackupDir:        envOr("BACKUP_DIR", "./backup"),
		OllamaURL:        os.Getenv("OLLAMA_URL"),
		OllamaModel:      envOr("OLLAMA_MODEL", "llama3"),
	}
	if strings.EqualFold(cfg.BackupDir, "off") {
		cfg.BackupDir = ""
	}

	var err error
	if cfg.ScanInterval, err = durationEnv("SCAN_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReminderInterval, err = durationEnv("REMINDER_INTERVAL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DigestHour, err = intEnv("DIGEST_HOUR", 8, 0, 23); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = intEnv("RETENTION_DAYS", 30, 1, 3650); err != nil {
		return nil, err
	}
	if cfg.MaxSubscriptions, err = intEnv("MAX_SUBSCRIPTIONS", 50, 1, 1000); err != nil {
		return nil, err
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Retention returns how long entries are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration like 10m", key, raw)
	}
	return d, nil
}

func intEnv(key string, def, lo, hi int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s %q: must be between %d and %d", key, raw, lo, hi)
	}
	return n, nil
}
