package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config is the on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Server   ServerConfig   `json:"server"`
	Discord  DiscordConfig  `json:"discord"`
	Webhooks WebhooksConfig `json:"webhooks"`
	Bulk     BulkConfig     `json:"bulk"`
	Logging  LoggingConfig  `json:"logging"`

	// Healthcheck schedules periodic webhook reachability probes.
	// Omit to disable.
	Healthcheck *HealthcheckConfig `json:"healthcheck,omitempty"`

	// Storage controls the optional job audit trail.
	// Omit to disable persistence entirely.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type ServerConfig struct {
	Listen  string `json:"listen"`
	Metrics bool   `json:"metrics,omitempty"`
}

// DiscordConfig configures the Discord REST client used to resolve message
// attachments. BotToken falls back to the DISCORD_BOT_TOKEN environment
// variable when empty so tokens can stay out of config files.
type DiscordConfig struct {
	BotToken       string `json:"bot_token,omitempty"`
	APIBase        string `json:"api_base,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// Token returns the configured bot token or the environment fallback.
func (c DiscordConfig) Token() string {
	if t := strings.TrimSpace(c.BotToken); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN"))
}

// WebhooksConfig points at the n8n webhook URL file and sets the dispatch timeout.
type WebhooksConfig struct {
	ConfigPath string `json:"config_path"`
	Timeout    string `json:"timeout,omitempty"`
}

// BulkConfig tunes the bulk job scheduler.
//
// SleepSlice bounds cancellation latency: interval waits are chopped into
// slices of this length and the shutdown/cancel flags are checked per slice.
type BulkConfig struct {
	SleepSlice             string `json:"sleep_slice,omitempty"`
	DefaultIntervalMinutes int    `json:"default_interval_minutes,omitempty"`
	ShutdownGrace          string `json:"shutdown_grace,omitempty"`
}

type LoggingConfig struct {
	Level    string             `json:"level"`
	Console  bool               `json:"console"`
	File     LogFileConfig      `json:"file,omitempty"`
	Telegram *LogTelegramConfig `json:"telegram,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogTelegramConfig mirrors warn+ log lines to an operator chat.
type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type HealthcheckConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Driver values: "file" (jsonl), "sqlite" (requires the sqlite build tag),
// "" or "none" to disable.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate checks the fields that would otherwise fail deep inside a service
// at an awkward time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("server.listen is required")
	}
	if strings.TrimSpace(c.Webhooks.ConfigPath) == "" {
		return errors.New("webhooks.config_path is required")
	}
	for _, d := range []struct{ path, raw string }{
		{"discord.request_timeout", c.Discord.RequestTimeout},
		{"webhooks.timeout", c.Webhooks.Timeout},
		{"bulk.sleep_slice", c.Bulk.SleepSlice},
		{"bulk.shutdown_grace", c.Bulk.ShutdownGrace},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Bulk.DefaultIntervalMinutes < 0 {
		return errors.New("bulk.default_interval_minutes must be >= 0")
	}
	if c.Healthcheck != nil && c.Healthcheck.Enabled && strings.TrimSpace(c.Healthcheck.Schedule) == "" {
		return errors.New("healthcheck.schedule is required when healthcheck is enabled")
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	return nil
}
