package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"postpilot/internal/task/scheduler"
)

// Validate checks everything that can be checked without opening resources.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx", "mysql", "mariadb":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for %s", cfg.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	durations := map[string]string{
		"storage.busy_timeout":             cfg.Storage.BusyTimeout,
		"providers.gemini.content_timeout": cfg.Providers.Gemini.ContentTimeout,
		"providers.gemini.image_timeout":   cfg.Providers.Gemini.ImageTimeout,
		"providers.facebook.timeout":       cfg.Providers.Facebook.Timeout,
		"http.read_timeout":                cfg.HTTP.ReadTimeout,
		"http.shutdown_timeout":            cfg.HTTP.ShutdownTimeout,
	}
	if te := cfg.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine sizes must be >= 0"))
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	amounts := map[string]string{
		"credits.cost_per_post":        cfg.Credits.CostPerPost,
		"credits.trial_credits":        cfg.Credits.TrialCredits,
		"credits.price_per_credit_usd": cfg.Credits.PricePerCredit,
	}
	for path, raw := range amounts {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}
	if every := strings.TrimSpace(cfg.Poller.Every); every != "" {
		if _, err := scheduler.ParseSchedule(every); err != nil {
			errs = append(errs, fmt.Errorf("poller.every: %w", err))
		}
	}
	if cfg.Poller.BatchLimit < 0 || cfg.Planner.Count < 0 {
		errs = append(errs, errors.New("poller.batch_limit and planner.count must be >= 0"))
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		errs = append(errs, errors.New("http.jwt_secret (or POSTPILOT_JWT_SECRET) is required when http is enabled"))
	}
	return errors.Join(errs...)
}

// Decimal parses a decimal config value, falling back to def when empty.
// Callers run Validate first.
func Decimal(raw string, def decimal.Decimal) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return d
}
