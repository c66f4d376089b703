package config

// Config is the on-disk configuration. JSON or YAML, decoded strictly.
//
// All durations are Go duration strings ("500ms", "60s", "2m").
// Secrets may be left empty here and supplied through the environment
// (see ApplyEnv).
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Telegram   TelegramConfig    `json:"telegram"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Poller     PollerConfig      `json:"poller"`
	Planner    PlannerConfig     `json:"planner"`
	Credits    CreditsConfig     `json:"credits"`
	Providers  ProvidersConfig   `json:"providers"`
	HTTP       HTTPConfig        `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards error-level lines (unbilled posts, persistence
// failures) to the operator chat configured under telegram.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig is the operator alert bot. Token may come from TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
}

// StorageConfig selects the datastore.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpilot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SchedulerConfig controls the trigger service. Timezone is also the zone
// preferred posting times are interpreted in.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig sizes the bounded pool that runs fulfillment.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "5m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// PollerConfig drives the due-post sweep.
type PollerConfig struct {
	// Every accepts anything the scheduler parses: "60s", "every:1m", "@every 30s".
	Every      string `json:"every,omitempty"`
	BatchLimit int    `json:"batch_limit,omitempty"`
}

type PlannerConfig struct {
	Count int `json:"count,omitempty"`
}

// CreditsConfig holds prices as decimal strings.
type CreditsConfig struct {
	CostPerPost    string `json:"cost_per_post,omitempty"`
	TrialCredits   string `json:"trial_credits,omitempty"`
	PricePerCredit string `json:"price_per_credit_usd,omitempty"`
}

type ProvidersConfig struct {
	Gemini   GeminiConfig   `json:"gemini"`
	Facebook FacebookConfig `json:"facebook"`
	Images   ImagesConfig   `json:"images"`
}

// GeminiConfig serves both content and image generation. APIKey may come
// from GEMINI_API_KEY.
type GeminiConfig struct {
	APIKey         string `json:"api_key,omitempty"`
	ContentModel   string `json:"content_model,omitempty"`
	ImageModel     string `json:"image_model,omitempty"`
	ContentTimeout string `json:"content_timeout,omitempty"`
	ImageTimeout   string `json:"image_timeout,omitempty"`
}

type FacebookConfig struct {
	GraphVersion string `json:"graph_version,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}

// ImagesConfig is where generated images land and how they are served.
type ImagesConfig struct {
	Dir           string `json:"dir,omitempty"`
	PublicBaseURL string `json:"public_base_url,omitempty"`
}

// HTTPConfig controls the JSON API. JWTSecret may come from POSTPILOT_JWT_SECRET.
type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`
	JWTSecret       string `json:"jwt_secret,omitempty"`
	Mode            string `json:"mode,omitempty"` // gin mode: release|debug|test
	Pprof           bool   `json:"pprof,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}
