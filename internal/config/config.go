// Package config defines the yaml configuration consumed by dreamina-mux.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface. Fields map 1:1 to config.yaml.
type Config struct {
	Host          string `yaml:"host" json:"host"`
	Port          int    `yaml:"port" json:"port"`
	AdminPassword string `yaml:"admin-password" json:"admin-password"`

	UpstreamBaseURL string `yaml:"upstream-base-url" json:"upstream-base-url"`
	ProxyTimeout    string `yaml:"proxy-timeout" json:"proxy-timeout"`
	RequestRetry    int    `yaml:"request-retry" json:"request-retry"`

	DatabasePath string `yaml:"database-path" json:"database-path"`

	// Limits holds the daily per-account usage limit for each model family.
	Limits map[string]int `yaml:"limits" json:"limits"`

	// ModelAliases maps caller-facing model names onto upstream model names.
	ModelAliases map[string]string `yaml:"model-aliases,omitempty" json:"model-aliases,omitempty"`

	BanDuration     string `yaml:"ban-duration" json:"ban-duration"`
	ResetCountsTime string `yaml:"reset-counts-time" json:"reset-counts-time"`

	SessionUpdateDays      int `yaml:"session-update-days" json:"session-update-days"`
	SessionUpdateBatchSize int `yaml:"session-update-batch-size" json:"session-update-batch-size"`

	AutoRegister AutoRegisterConfig `yaml:"auto-register" json:"auto-register"`
	PointsUpdate PointsUpdateConfig `yaml:"points-update" json:"points-update"`
	RegisterAPI  RegisterAPIConfig  `yaml:"register-api" json:"register-api"`

	Usage UsageConfig `yaml:"usage" json:"usage"`

	LogLevel      string `yaml:"log-level" json:"log-level"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	mu   sync.RWMutex
	path string
}

// AutoRegisterConfig controls the background auto-registration job.
type AutoRegisterConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Interval string `yaml:"interval" json:"interval"`
}

// PointsUpdateConfig controls the periodic credit synchronization job.
type PointsUpdateConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Interval string `yaml:"interval" json:"interval"`
}

// RegisterAPIConfig describes the remote provisioner endpoint.
type RegisterAPIConfig struct {
	URL           string  `yaml:"url,omitempty" json:"url,omitempty"`
	Key           string  `yaml:"key,omitempty" json:"key,omitempty"`
	MailType      string  `yaml:"mail-type" json:"mail-type"`
	DefaultPoints float64 `yaml:"default-points" json:"default-points"`
}

// UsageConfig configures the request audit backend. Empty DSN disables it.
type UsageConfig struct {
	DSN           string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	BatchSize     int    `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	FlushInterval string `yaml:"flush-interval,omitempty" json:"flush-interval,omitempty"`
	RetentionDays int    `yaml:"retention-days,omitempty" json:"retention-days,omitempty"`
}

// NewDefaultConfig mirrors the defaults the service ships with.
func NewDefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            5100,
		AdminPassword:   "admin",
		UpstreamBaseURL: "http://localhost:8080",
		ProxyTimeout:    "300s",
		RequestRetry:    3,
		DatabasePath:    "dreamina.db",
		Limits: map[string]int{
			"jimeng_4_0":    60,
			"jimeng_4_1":    60,
			"nanobanana":    60,
			"nanobananapro": 60,
			"video_3_0":     60,
		},
		BanDuration:            "4h",
		ResetCountsTime:        "00:00",
		SessionUpdateDays:      7,
		SessionUpdateBatchSize: 5,
		AutoRegister:           AutoRegisterConfig{Enabled: false, Interval: "1h"},
		PointsUpdate:           PointsUpdateConfig{Enabled: false, Interval: "1h"},
		RegisterAPI:            RegisterAPIConfig{MailType: "moemail", DefaultPoints: 120},
		LogLevel:               "info",
	}
}

// LoadConfig reads and parses the yaml config at path. A missing file yields
// defaults so first runs work without setup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := NewDefaultConfig()
		cfg.path = path
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scheduler or dispatcher cannot operate with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if _, err := c.ProxyTimeoutDuration(); err != nil {
		return fmt.Errorf("config: proxy-timeout: %w", err)
	}
	if _, err := c.BanDurationValue(); err != nil {
		return fmt.Errorf("config: ban-duration: %w", err)
	}
	if _, _, err := ParseWallClock(c.ResetCountsTime); err != nil {
		return fmt.Errorf("config: reset-counts-time: %w", err)
	}
	if c.SessionUpdateDays <= 0 {
		return fmt.Errorf("config: session-update-days must be positive, got %d", c.SessionUpdateDays)
	}
	for family, limit := range c.Limits {
		if limit < 0 {
			return fmt.Errorf("config: limit for %s must be non-negative", family)
		}
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config back to its source file. Used by the admin settings
// endpoint and the first-run initializer.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return fmt.Errorf("config: no source path to save to")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// ProxyTimeoutDuration parses the proxy timeout, accepting bare seconds for
// compatibility with older config files. Reads under the config lock so the
// dispatcher can call it concurrently with Replace.
func (c *Config) ProxyTimeoutDuration() (time.Duration, error) {
	c.mu.RLock()
	value := c.ProxyTimeout
	c.mu.RUnlock()
	return parseDurationOrSeconds(value, 300*time.Second)
}

// BanDurationValue parses the temporary ban duration.
func (c *Config) BanDurationValue() (time.Duration, error) {
	c.mu.RLock()
	value := c.BanDuration
	c.mu.RUnlock()
	return parseDurationOrSeconds(value, 4*time.Hour)
}

// RequestRetryValue returns the failover retry budget.
func (c *Config) RequestRetryValue() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RequestRetry
}

// LimitFor returns the daily limit for a model family, 0 meaning unlimited.
func (c *Config) LimitFor(family string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Limits[family]
}

// UpstreamModel resolves a caller-facing model name through the alias table.
func (c *Config) UpstreamModel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if alias, ok := c.ModelAliases[model]; ok && alias != "" {
		return alias
	}
	return model
}

// Replace swaps the mutable settings in-place. Called by the admin settings
// endpoint and the config file watcher; the pointer handed to other components
// stays valid.
func (c *Config) Replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next.mu.RLock()
	defer next.mu.RUnlock()

	c.AdminPassword = next.AdminPassword
	c.UpstreamBaseURL = next.UpstreamBaseURL
	c.ProxyTimeout = next.ProxyTimeout
	c.RequestRetry = next.RequestRetry
	c.Limits = next.Limits
	c.ModelAliases = next.ModelAliases
	c.BanDuration = next.BanDuration
	c.ResetCountsTime = next.ResetCountsTime
	c.SessionUpdateDays = next.SessionUpdateDays
	c.SessionUpdateBatchSize = next.SessionUpdateBatchSize
	c.AutoRegister = next.AutoRegister
	c.PointsUpdate = next.PointsUpdate
	c.RegisterAPI = next.RegisterAPI
}

// Snapshot returns a copy of the mutable settings safe to serialize.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Config{
		Host:                   c.Host,
		Port:                   c.Port,
		AdminPassword:          c.AdminPassword,
		UpstreamBaseURL:        c.UpstreamBaseURL,
		ProxyTimeout:           c.ProxyTimeout,
		RequestRetry:           c.RequestRetry,
		DatabasePath:           c.DatabasePath,
		Limits:                 make(map[string]int, len(c.Limits)),
		ModelAliases:           make(map[string]string, len(c.ModelAliases)),
		BanDuration:            c.BanDuration,
		ResetCountsTime:        c.ResetCountsTime,
		SessionUpdateDays:      c.SessionUpdateDays,
		SessionUpdateBatchSize: c.SessionUpdateBatchSize,
		AutoRegister:           c.AutoRegister,
		PointsUpdate:           c.PointsUpdate,
		RegisterAPI:            c.RegisterAPI,
		Usage:                  c.Usage,
		LogLevel:               c.LogLevel,
		LoggingToFile:          c.LoggingToFile,
		LogDir:                 c.LogDir,
	}
	for k, v := range c.Limits {
		clone.Limits[k] = v
	}
	for k, v := range c.ModelAliases {
		clone.ModelAliases[k] = v
	}
	return clone
}

// ParseWallClock parses "HH:MM" into hour and minute.
func ParseWallClock(value string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

func parseDurationOrSeconds(value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", value)
		}
		return d, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("cannot parse duration %q", value)
	}
	return time.Duration(secs) * time.Second, nil
}

// GenerateDefaultConfigYAML renders the default config for first-run setup.
func GenerateDefaultConfigYAML() []byte {
	data, err := yaml.Marshal(NewDefaultConfig())
	if err != nil {
		return nil
	}
	return data
}
