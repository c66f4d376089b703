package config

import (
	"reflect"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// log-safe attributes describing the new values. Secrets are reported only
// as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if oldCfg.Telegram.AlertChatID != newCfg.Telegram.AlertChatID ||
		secretSet(oldCfg.Telegram.Token) != secretSet(newCfg.Telegram.Token) {
		mark("telegram", logx.Bool("telegram.token_set", secretSet(newCfg.Telegram.Token)))
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		if te == nil {
			te = &TaskEngineConfig{}
		}
		mark("task_engine", logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.queue_size", te.QueueSize))
	}
	if oldCfg.Poller != newCfg.Poller {
		mark("poller", logx.String("poller.every", newCfg.Poller.Every), logx.Int("poller.batch_limit", newCfg.Poller.BatchLimit))
	}
	if oldCfg.Planner != newCfg.Planner {
		mark("planner", logx.Int("planner.count", newCfg.Planner.Count))
	}
	if oldCfg.Credits != newCfg.Credits {
		mark("credits", logx.String("credits.cost_per_post", newCfg.Credits.CostPerPost))
	}
	op, np := oldCfg.Providers, newCfg.Providers
	op.Gemini.APIKey, np.Gemini.APIKey = maskSecret(op.Gemini.APIKey), maskSecret(np.Gemini.APIKey)
	if op != np {
		mark("providers",
			logx.String("providers.gemini.content_model", np.Gemini.ContentModel),
			logx.String("providers.gemini.image_model", np.Gemini.ImageModel),
			logx.String("providers.facebook.graph_version", np.Facebook.GraphVersion),
		)
	}
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.JWTSecret, nh.JWTSecret = maskSecret(oh.JWTSecret), maskSecret(nh.JWTSecret)
	if oh != nh {
		mark("http", logx.Bool("http.enabled", nh.Enabled), logx.String("http.addr", nh.Addr))
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "providers", "http", "telegram":
			out = append(out, s)
		}
	}
	return out
}

func secretSet(s string) bool { return strings.TrimSpace(s) != "" }

func maskSecret(s string) string {
	if secretSet(s) {
		return "set"
	}
	return ""
}
