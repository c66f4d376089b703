package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv fills secrets from the environment. File values win when set.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(os.Getenv(key))
		}
	}
	fill(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	fill(&cfg.HTTP.JWTSecret, "POSTPILOT_JWT_SECRET")
	fill(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	fill(&cfg.Storage.DSN, "DATABASE_DSN")
}
