// Package config holds the service-level configuration (environment
// variables) and the per-repository settings files (TOML).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service-level configuration for gwfbot.
type Config struct {
	ListenAddr    string
	WebhookPath   string
	WebhookSecret string
	DatabaseURL   string
	SettingsDir   string // directory of per-repository *.toml settings
	CacheDir      string // parent directory for git workspace caches
	APIToken      string // bearer token accepted by /api/auth

	// GitHub authentication: either a personal access token or a
	// GitHub App installation.
	GithubToken      string
	GithubAppID      int64
	GithubInstallID  int64
	GithubAppKeyPath string

	// JiraToken authenticates the issue tracker lookups; repositories
	// without a jira_account_url in their settings never use it.
	JiraToken string

	PollInterval time.Duration // periodic full scan for missed events
	CallTimeout  time.Duration // per external call
	LogLevel     string        // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables, validates required
// fields, and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOrDefault("GWF_LISTEN_ADDR", ":8080"),
		WebhookPath: envOrDefault("GWF_WEBHOOK_PATH", "/webhook"),
		CacheDir:    envOrDefault("GWF_CACHE_DIR", "/var/cache/gwfbot"),
	}

	// Required variables
	var missing []string

	cfg.WebhookSecret = os.Getenv("GWF_WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		missing = append(missing, "GWF_WEBHOOK_SECRET")
	}

	cfg.DatabaseURL = os.Getenv("GWF_DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "GWF_DATABASE_URL")
	}

	cfg.SettingsDir = os.Getenv("GWF_SETTINGS_DIR")
	if cfg.SettingsDir == "" {
		missing = append(missing, "GWF_SETTINGS_DIR")
	}

	cfg.APIToken = os.Getenv("GWF_API_TOKEN")
	cfg.JiraToken = os.Getenv("GWF_JIRA_TOKEN")

	cfg.GithubToken = os.Getenv("GWF_GITHUB_TOKEN")
	cfg.GithubAppKeyPath = os.Getenv("GWF_GITHUB_APP_KEY")

	var err error
	if cfg.GithubAppID, err = parseInt64OrZero("GWF_GITHUB_APP_ID"); err != nil {
		return nil, err
	}
	if cfg.GithubInstallID, err = parseInt64OrZero("GWF_GITHUB_INSTALLATION_ID"); err != nil {
		return nil, err
	}

	if cfg.GithubToken == "" && cfg.GithubAppID == 0 {
		missing = append(missing, "GWF_GITHUB_TOKEN (or GWF_GITHUB_APP_ID)")
	}
	if cfg.GithubAppID != 0 && (cfg.GithubInstallID == 0 || cfg.GithubAppKeyPath == "") {
		missing = append(missing, "GWF_GITHUB_INSTALLATION_ID and GWF_GITHUB_APP_KEY (required with GWF_GITHUB_APP_ID)")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	// Parse durations with defaults
	cfg.PollInterval, err = parseDurationOrDefault("GWF_POLL_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.CallTimeout, err = parseDurationOrDefault("GWF_CALL_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	// Optional: log level
	cfg.LogLevel = envOrDefault("GWF_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, fmt.Errorf("GWF_LOG_LEVEL: invalid value %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseInt64OrZero(envKey string) (int64, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", envKey, s)
	}
	return n, nil
}

func parseDurationOrDefault(envKey string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", envKey, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %v", envKey, d)
	}
	return d, nil
}
