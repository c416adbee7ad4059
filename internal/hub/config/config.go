// Package config loads the hub configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/telemux/telemux/internal/hub/validate"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Hub      Hub      `koanf:"hub"`
	Telegram Telegram `koanf:"telegram"`
	DLQ      DLQ      `koanf:"dlq"`
	Recovery Recovery `koanf:"recovery"`
	SSH      SSH      `koanf:"ssh"`
	Servers  []Server `koanf:"servers"`
}

// Hub holds listener and storage settings.
type Hub struct {
	NotifyAddr   string `koanf:"notify_addr"`
	WebhookAddr  string `koanf:"webhook_addr"`
	DataDir      string `koanf:"data_dir"`
	SharedSecret string `koanf:"shared_secret"`
	LogLevel     string `koanf:"log_level"`
}

// Telegram holds chat channel settings.
type Telegram struct {
	Token          string  `koanf:"token"`
	ChatID         int64   `koanf:"chat_id"`
	AllowedChatIDs []int64 `koanf:"allowed_chat_ids"`
	WebhookURL     string  `koanf:"webhook_url"`
	WebhookSecret  string  `koanf:"webhook_secret"`
}

// DLQ holds dead-letter queue settings.
type DLQ struct {
	Enabled       bool          `koanf:"enabled"`
	RetryInterval time.Duration `koanf:"retry_interval"`
	BatchSize     int           `koanf:"batch_size"`
	MaxAttempts   int           `koanf:"max_attempts"`
}

// Recovery holds session recovery settings.
type Recovery struct {
	Interval         time.Duration `koanf:"interval"`
	SessionRetention time.Duration `koanf:"session_retention"`
}

// SSH holds executor timeouts and host key settings.
type SSH struct {
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	ExecTimeout    time.Duration `koanf:"exec_timeout"`
	KnownHostsFile string        `koanf:"known_hosts_file"`
}

// Server types.
const (
	TypeLocal  = "local"
	TypeRemote = "remote"
)

// Server describes one execution host.
type Server struct {
	ID       string `koanf:"id"`
	Type     string `koanf:"type"` // local | remote
	Hostname string `koanf:"hostname"`
	User     string `koanf:"user"`
	Port     int    `koanf:"port"`
	KeyPath  string `koanf:"key_path"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"hub.notify_addr":            ":8080",
		"hub.webhook_addr":           ":8081",
		"hub.data_dir":               defaultDataDir(),
		"hub.log_level":              "info",
		"dlq.enabled":                true,
		"dlq.retry_interval":         "30s",
		"dlq.batch_size":             10,
		"dlq.max_attempts":           5,
		"recovery.interval":          "10m",
		"recovery.session_retention": "168h",
		"ssh.connect_timeout":        "30s",
		"ssh.exec_timeout":           "30s",
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads configuration from defaults, then the YAML file at path
// (or the default location when path is empty and the file exists),
// then TELEMUX_* environment variables and the conventional aliases
// (SHARED_SECRET, TELEGRAM_BOT_TOKEN, ...). Unrecognised environment
// variables are ignored.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultPath()); err == nil {
			path = DefaultPath()
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TELEMUX_HUB_SHARED_SECRET → hub.shared_secret, etc.
	if err := k.Load(env.Provider("TELEMUX_", ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, "TELEMUX_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	applyEnvAliases(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// applyEnvAliases maps the conventional variable names to their keys.
// These predate the TELEMUX_ prefix and stay supported because agent
// installers export them.
func applyEnvAliases(k *koanf.Koanf) {
	direct := map[string]string{
		"SHARED_SECRET":      "hub.shared_secret",
		"TELEGRAM_BOT_TOKEN": "telegram.token",
		"WEBHOOK_URL":        "telegram.webhook_url",
		"NGROK_URL":          "telegram.webhook_url",
	}
	for name, key := range direct {
		if v := os.Getenv(name); v != "" {
			_ = k.Set(key, v)
		}
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			_ = k.Set("telegram.chat_id", id)
		}
	}
	if v := os.Getenv("NOTIFY_PORT"); v != "" {
		_ = k.Set("hub.notify_addr", ":"+v)
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		_ = k.Set("hub.webhook_addr", ":"+v)
	}
}

// Validate checks required settings, normalizes server entries, and
// ensures the data directory exists. A failure here is fatal: the hub
// exits non-zero rather than starting half-configured.
func (c *Config) Validate() error {
	if c.Hub.NotifyAddr == "" {
		return fmt.Errorf("hub.notify_addr is required")
	}
	if c.Hub.WebhookAddr == "" {
		return fmt.Errorf("hub.webhook_addr is required")
	}
	if c.Hub.SharedSecret == "" {
		return fmt.Errorf("hub.shared_secret is required")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}

	home, _ := os.UserHomeDir()
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		id, err := validate.SanitizeServerID(s.ID)
		if err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		s.ID = id
		if seen[id] {
			return fmt.Errorf("servers[%d]: duplicate server id %q", i, id)
		}
		seen[id] = true

		switch s.Type {
		case TypeLocal:
		case TypeRemote:
			if s.Hostname == "" {
				return fmt.Errorf("server %s: hostname is required for remote servers", id)
			}
			if s.User == "" {
				return fmt.Errorf("server %s: user is required for remote servers", id)
			}
			if s.Port == 0 {
				s.Port = 22
			}
			s.KeyPath = validate.SanitizeKeyPath(s.KeyPath, home)
			if s.KeyPath == "" {
				return fmt.Errorf("server %s: key_path is required for remote servers", id)
			}
		default:
			return fmt.Errorf("server %s: type must be local or remote, got %q", id, s.Type)
		}
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(c.Hub.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "telemux")
	}
	return filepath.Join(home, ".config", "telemux")
}

// SessionsDBPath returns the path to the session registry database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.Hub.DataDir, "sessions.db")
}

// DLQPath returns the path to the dead-letter queue database.
func (c *Config) DLQPath() string {
	return filepath.Join(c.Hub.DataDir, "dlq.db")
}
