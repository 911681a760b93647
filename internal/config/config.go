// Package config loads and validates capture service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// apiKeyEnvPrefix names extra environment variables holding accepted API keys.
const apiKeyEnvPrefix = "SCRAPER_API_KEY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Capture CaptureConfig `mapstructure:"capture"`
	Browser BrowserConfig `mapstructure:"browser"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Safety  SafetyConfig  `mapstructure:"safety"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Events  EventsConfig  `mapstructure:"events"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int `mapstructure:"port"`
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
}

// AuthConfig lists accepted bearer keys. An empty list disables auth.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// CaptureConfig bounds capture requests and tunes the capture pipeline.
type CaptureConfig struct {
	DefaultWaitMS            int    `mapstructure:"default_wait_ms"`
	MaxWaitMS                int    `mapstructure:"max_wait_ms"`
	DefaultScreenshots       int    `mapstructure:"default_screenshots"`
	MaxScreenshots           int    `mapstructure:"max_screenshots"`
	DefaultWidth             int    `mapstructure:"default_width"`
	DefaultHeight            int    `mapstructure:"default_height"`
	MinWidth                 int    `mapstructure:"min_width"`
	MinHeight                int    `mapstructure:"min_height"`
	MaxWidth                 int    `mapstructure:"max_width"`
	MaxHeight                int    `mapstructure:"max_height"`
	ImageQuality             int    `mapstructure:"image_quality"`
	UserAgent                string `mapstructure:"user_agent"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	ActionTimeoutSeconds     int    `mapstructure:"action_timeout_seconds"`
	WorkDir                  string `mapstructure:"work_dir"`
}

// BrowserConfig locates and tunes the headless browser.
type BrowserConfig struct {
	ExecPath             string         `mapstructure:"exec_path"`
	NoSandbox            bool           `mapstructure:"no_sandbox"`
	LaunchTimeoutSeconds int            `mapstructure:"launch_timeout_seconds"`
	Flags                map[string]any `mapstructure:"flags"`
}

// JobsConfig governs the job controller.
type JobsConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	QueueDepth       int    `mapstructure:"queue_depth"`
	DeadlineSeconds  int    `mapstructure:"deadline_seconds"`
	KillAfterSeconds int    `mapstructure:"kill_after_seconds"`
	MemoryLimitMB    int    `mapstructure:"memory_limit_mb"`
	Isolation        string `mapstructure:"isolation"`
}

// SafetyConfig extends the built-in address checks.
type SafetyConfig struct {
	BlockedHosts         []string `mapstructure:"blocked_hosts"`
	LookupTimeoutSeconds int      `mapstructure:"lookup_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the job history backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
	MaxJobs  int    `mapstructure:"max_jobs"`
}

// ArchiveConfig selects where finished captures are copied, if anywhere.
type ArchiveConfig struct {
	Driver    string `mapstructure:"driver"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects where completion events are published, if anywhere.
type EventsConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig controls OpenTelemetry tracing of capture jobs.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Isolation modes.
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// Load builds a Config from disk/environment. Values from a .env file in the
// working directory are exported first without overriding the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Auth.APIKeys = mergeKeys(cfg.Auth.APIKeys, envAPIKeys(os.Environ()))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// envAPIKeys collects non-empty values of variables named SCRAPER_API_KEY*.
func envAPIKeys(environ []string) []string {
	var keys []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, apiKeyEnvPrefix) {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			keys = append(keys, value)
		}
	}
	sort.Strings(keys)
	return keys
}

func mergeKeys(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, key := range list {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("capture.default_wait_ms", 1000)
	v.SetDefault("capture.max_wait_ms", 5000)
	v.SetDefault("capture.default_screenshots", 5)
	v.SetDefault("capture.max_screenshots", 10)
	v.SetDefault("capture.default_width", 1280)
	v.SetDefault("capture.default_height", 2000)
	v.SetDefault("capture.min_width", 100)
	v.SetDefault("capture.min_height", 100)
	v.SetDefault("capture.max_width", 2400)
	v.SetDefault("capture.max_height", 4000)
	v.SetDefault("capture.image_quality", 85)
	v.SetDefault("capture.user_agent", "Mozilla/5.0 (compatible; CaptureBot/1.0)")
	v.SetDefault("capture.navigation_timeout_seconds", 30)
	v.SetDefault("capture.action_timeout_seconds", 10)
	v.SetDefault("capture.work_dir", filepath.Join(os.TempDir(), "capture"))
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.launch_timeout_seconds", 10)
	v.SetDefault("jobs.concurrency", 3)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.deadline_seconds", 60)
	v.SetDefault("jobs.kill_after_seconds", 120)
	v.SetDefault("jobs.memory_limit_mb", 4000)
	v.SetDefault("jobs.isolation", IsolationProcess)
	v.SetDefault("safety.blocked_hosts", []string{})
	v.SetDefault("safety.lookup_timeout_seconds", 5)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "capture_jobs")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.max_jobs", 10000)
	v.SetDefault("archive.driver", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "captures")
	v.SetDefault("events.driver", "")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "")
	v.SetDefault("tracing.service_name", "capture-service")
	v.SetDefault("tracing.exporter", "")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Jobs.QueueDepth < 0 {
		return fmt.Errorf("jobs.queue_depth must be >= 0")
	}
	if c.Jobs.DeadlineSeconds <= 0 {
		return fmt.Errorf("jobs.deadline_seconds must be > 0")
	}
	if c.Jobs.MemoryLimitMB < 0 {
		return fmt.Errorf("jobs.memory_limit_mb must be >= 0")
	}
	if c.Jobs.Isolation != IsolationProcess && c.Jobs.Isolation != IsolationInProcess {
		return fmt.Errorf("jobs.isolation must be %q or %q", IsolationProcess, IsolationInProcess)
	}
	if err := c.Capture.validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
		if c.Store.Table == "" {
			return fmt.Errorf("store.table must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	switch c.Archive.Driver {
	case "", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local driver")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver)
	}
	switch c.Events.Driver {
	case "":
	case "memory":
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set when events are enabled")
		}
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic must be set for the pubsub driver")
		}
	default:
		return fmt.Errorf("events.driver %q is not supported", c.Events.Driver)
	}
	switch c.Tracing.Exporter {
	case "":
	case "gcp":
		if c.Tracing.ProjectID == "" {
			return fmt.Errorf("tracing.project_id must be set for the gcp exporter")
		}
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

func (c CaptureConfig) validate() error {
	if c.MaxWaitMS < 0 || c.DefaultWaitMS < 0 || c.DefaultWaitMS > c.MaxWaitMS {
		return fmt.Errorf("capture.default_wait_ms must be between 0 and capture.max_wait_ms")
	}
	if c.MaxScreenshots < 0 || c.DefaultScreenshots < 0 || c.DefaultScreenshots > c.MaxScreenshots {
		return fmt.Errorf("capture.default_screenshots must be between 0 and capture.max_screenshots")
	}
	if c.MinWidth <= 0 || c.MinWidth > c.MaxWidth || c.DefaultWidth < c.MinWidth || c.DefaultWidth > c.MaxWidth {
		return fmt.Errorf("capture.default_width must be within capture.min_width and capture.max_width")
	}
	if c.MinHeight <= 0 || c.MinHeight > c.MaxHeight || c.DefaultHeight < c.MinHeight || c.DefaultHeight > c.MaxHeight {
		return fmt.Errorf("capture.default_height must be within capture.min_height and capture.max_height")
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("capture.image_quality must be between 1 and 100")
	}
	if c.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("capture.navigation_timeout_seconds must be > 0")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("capture.work_dir must be set")
	}
	return nil
}

// Deadline is the overall time a submitter waits for a capture.
func (c Config) Deadline() time.Duration {
	return time.Duration(c.Jobs.DeadlineSeconds) * time.Second
}

// KillAfter bounds one job's execution even when nobody waits for it.
func (c Config) KillAfter() time.Duration {
	return time.Duration(c.Jobs.KillAfterSeconds) * time.Second
}

// MemoryLimitBytes is the per-job address-space ceiling.
func (c Config) MemoryLimitBytes() int64 {
	return int64(c.Jobs.MemoryLimitMB) << 20
}

// NavigationTimeout bounds a single page navigation.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Capture.NavigationTimeoutSeconds) * time.Second
}

// ActionTimeout bounds each browser action after navigation.
func (c Config) ActionTimeout() time.Duration {
	return time.Duration(c.Capture.ActionTimeoutSeconds) * time.Second
}

// LaunchTimeout bounds browser start-up.
func (c Config) LaunchTimeout() time.Duration {
	return time.Duration(c.Browser.LaunchTimeoutSeconds) * time.Second
}

// ReadHeaderTimeout bounds reading request headers.
func (c Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.Server.ReadHeaderTimeoutSeconds) * time.Second
}

// LookupTimeout bounds each DNS lookup made by the URL validator.
func (c Config) LookupTimeout() time.Duration {
	return time.Duration(c.Safety.LookupTimeoutSeconds) * time.Second
}
