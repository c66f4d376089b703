package app

import (
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/credits"
	"postpilot/internal/fulfillment"
	"postpilot/internal/poller"
	"postpilot/internal/posts"
	"postpilot/internal/providers/facebook"
	"postpilot/internal/providers/gemini"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	"postpilot/internal/transport/httpapi"
	logx "postpilot/pkg/logx"
)

// The mappers below assume config.Validate passed, so parse errors fall
// back to defaults.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled && cfg.Telegram.AlertChatID != 0,
			ChatID:     cfg.Telegram.AlertChatID,
			ThreadID:   cfg.Logging.Alerts.ThreadID,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		DSN:          strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}
}

func mapEngine(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	timeout, _ := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 5*time.Minute)
	maxDelay, _ := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapPoller(cfg *config.Config) poller.Config {
	return poller.Config{Every: strings.TrimSpace(cfg.Poller.Every), BatchLimit: cfg.Poller.BatchLimit}
}

// location is the zone preferred posting times are read in; it follows
// the scheduler timezone.
func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mapPosts(cfg *config.Config) posts.Options {
	return posts.Options{Count: cfg.Planner.Count, Location: location(cfg)}
}

func mapCredits(cfg *config.Config) credits.Options {
	return credits.Options{
		CostPerPost:    config.Decimal(cfg.Credits.CostPerPost, credits.DefaultCostPerPost),
		TrialCredits:   config.Decimal(cfg.Credits.TrialCredits, credits.DefaultTrialCredits),
		PricePerCredit: config.Decimal(cfg.Credits.PricePerCredit, credits.DefaultPricePerCredit),
	}
}

func mapTimeouts(cfg *config.Config) fulfillment.Timeouts {
	g, fb := cfg.Providers.Gemini, cfg.Providers.Facebook
	content, _ := config.ParseDurationField("providers.gemini.content_timeout", g.ContentTimeout)
	image, _ := config.ParseDurationField("providers.gemini.image_timeout", g.ImageTimeout)
	publish, _ := config.ParseDurationField("providers.facebook.timeout", fb.Timeout)
	return fulfillment.Timeouts{Content: content, Image: image, Publish: publish}
}

func mapGemini(cfg *config.Config) gemini.Config {
	g, img := cfg.Providers.Gemini, cfg.Providers.Images
	dir := strings.TrimSpace(img.Dir)
	if dir == "" {
		dir = "./data/images"
	}
	return gemini.Config{
		APIKey:        strings.TrimSpace(g.APIKey),
		ContentModel:  g.ContentModel,
		ImageModel:    g.ImageModel,
		ImagesDir:     dir,
		PublicBaseURL: img.PublicBaseURL,
	}
}

func mapFacebook(cfg *config.Config) facebook.Config {
	fb := cfg.Providers.Facebook
	timeout, _ := config.ParseDurationField("providers.facebook.timeout", fb.Timeout)
	return facebook.Config{
		GraphVersion: fb.GraphVersion,
		BaseURL:      fb.BaseURL,
		Timeout:      timeout,
		RatePerSec:   fb.RatePerSec,
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, time.Duration) {
	h := cfg.HTTP
	read, _ := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	shutdown, _ := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 5*time.Second)
	return httpapi.Config{Addr: h.Addr, Mode: h.Mode, Pprof: h.Pprof, ReadTimeout: read}, shutdown
}
