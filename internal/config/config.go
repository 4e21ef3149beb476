// Package config loads the daemon configuration: a YAML file with
// ${ENV} substitution, validated defaults, and a watcher that swaps in
// an updated snapshot when the file changes. Jobs read the snapshot at
// iteration start, so edits apply without a restart.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Duration decodes "60s"/"15m"-style YAML values.
type Duration time.Duration

// D converts to the standard duration type.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full configuration file.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
	Notify   NotifyConfig   `yaml:"notify"`
	Sessions SessionsConfig `yaml:"sessions"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig selects and configures the device transport.
type DeviceConfig struct {
	// Transport is "ssh", "rest" or "api" (the binary protocol).
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// PrivateKeyFile enables key auth on the ssh transport.
	PrivateKeyFile string        `yaml:"private_key_file"`
	UseTLS         bool          `yaml:"use_tls"`
	InsecureTLS    bool          `yaml:"insecure_tls"`
	Timeout        Duration      `yaml:"timeout"`
}

// StoreConfig locates the persistent store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the admin HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// NotifyConfig points at the notification gateway. Empty URL logs
// notifications instead of delivering them.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Token      string   `yaml:"token"`
	Timeout    Duration `yaml:"timeout"`
}

// SessionsConfig holds the runtime knobs. Store settings override
// these where set.
type SessionsConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`
	ExpiryInterval      Duration `yaml:"expiry_interval"`
	RequireConfirmation bool     `yaml:"require_confirmation"`
	ConfirmTimeout      Duration `yaml:"confirm_timeout"`
	DefaultDurationHrs  int      `yaml:"default_duration_hours"`
	ReminderLead        Duration `yaml:"reminder_lead"`
	RetentionDays       int      `yaml:"retention_days"`
	SweepHour           int      `yaml:"sweep_hour"`
}

// Load reads, substitutes, validates and defaults a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		name := match[2 : len(match)-1]
		if value := os.Getenv(name); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.Transport == "" {
		c.Device.Transport = "ssh"
	}
	if c.Device.Timeout <= 0 {
		c.Device.Timeout = Duration(10 * time.Second)
	}
	if c.Store.Path == "" {
		c.Store.Path = "vpnwarden.db"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = Duration(10 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	s := &c.Sessions
	if s.PollInterval <= 0 {
		s.PollInterval = Duration(time.Minute)
	}
	if s.ExpiryInterval <= 0 {
		s.ExpiryInterval = Duration(15 * time.Minute)
	}
	if s.ConfirmTimeout <= 0 {
		s.ConfirmTimeout = Duration(300 * time.Second)
	}
	if s.DefaultDurationHrs <= 0 {
		s.DefaultDurationHrs = 24
	}
	if s.ReminderLead <= 0 {
		s.ReminderLead = Duration(time.Hour)
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 30
	}
	if s.SweepHour < 0 || s.SweepHour > 23 {
		s.SweepHour = 3
	}
}

func (c *Config) validate() error {
	switch c.Device.Transport {
	case "ssh", "rest", "api":
	default:
		return fmt.Errorf("device.transport %q: must be ssh, rest or api", c.Device.Transport)
	}
	// A device the loop cannot reach at all is a fatal condition, not
	// a per-iteration error.
	if c.Device.Host == "" {
		return fmt.Errorf("device.host is required")
	}
	if c.Device.Username == "" {
		return fmt.Errorf("device.username is required")
	}
	if c.Device.Password == "" && c.Device.PrivateKeyFile == "" {
		return fmt.Errorf("device credentials required: password or private_key_file")
	}
	return nil
}
