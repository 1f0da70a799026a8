package config

import (
	"time"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Defaults applied to unset fields.
const (
	DefaultMaxNotifications     = 5
	DefaultNotificationDuration = 5 * time.Second
	DefaultResizeDebounce       = 150 * time.Millisecond
	DefaultModalBaseZIndex      = 1000
	DefaultAPITimeout           = 10 * time.Second
	DefaultCredentialTTL        = 24 * time.Hour
)

// Config is the top-level structure of a chatstate YAML file.
type Config struct {
	SchemaVersion string         `yaml:"schemaVersion"`
	Storage       *StorageConfig `yaml:"storage,omitempty"`
	API           *APIConfig     `yaml:"api,omitempty"`
	UI            *UIConfig      `yaml:"ui,omitempty"`
	Call          *CallConfig    `yaml:"call,omitempty"`
	Logging       *LoggingConfig `yaml:"logging,omitempty"`

	// FilePath is the source file, kept for error messages. Not parsed.
	FilePath string `yaml:"-"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Watch   bool   `yaml:"watch,omitempty"`
}

// APIConfig configures the REST client used by the domain stores.
type APIConfig struct {
	BaseURL string       `yaml:"baseURL"`
	Timeout string       `yaml:"timeout,omitempty"`
	Retry   *RetryConfig `yaml:"retry,omitempty"`

	// TokenSecret names the secret holding the bearer token.
	TokenSecret string `yaml:"tokenSecret,omitempty"`
}

// RetryConfig defines retries for idempotent API calls.
type RetryConfig struct {
	Attempts      int      `yaml:"attempts,omitempty"`
	Delay         string   `yaml:"delay,omitempty"`
	MaxDelay      string   `yaml:"maxDelay,omitempty"`
	BackoffFactor *float64 `yaml:"backoffFactor,omitempty"`
	Jitter        *float64 `yaml:"jitter,omitempty"`
}

// UIConfig tunes the UI store.
type UIConfig struct {
	MaxNotifications     int    `yaml:"maxNotifications,omitempty"`
	NotificationDuration string `yaml:"notificationDuration,omitempty"`
	ResizeDebounce       string `yaml:"resizeDebounce,omitempty"`
	ModalBaseZIndex      int    `yaml:"modalBaseZIndex,omitempty"`
}

// CallConfig lists ICE servers for the call store.
type CallConfig struct {
	STUNURLs      []string `yaml:"stunURLs,omitempty"`
	TURNURLs      []string `yaml:"turnURLs,omitempty"`
	CredentialTTL string   `yaml:"credentialTTL,omitempty"`
}

// LoggingConfig mirrors the logger constructor arguments.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{SchemaVersion: "v1.0.0"}
}

// GetStorageBackend returns the backend, defaulting to memory.
func (c *Config) GetStorageBackend() string {
	if c.Storage != nil && c.Storage.Backend != "" {
		return c.Storage.Backend
	}
	return BackendMemory
}

// GetStoragePath returns the configured storage path or "".
func (c *Config) GetStoragePath() string {
	if c.Storage != nil {
		return c.Storage.Path
	}
	return ""
}

// WatchStorage reports whether external storage writes should be merged.
func (c *Config) WatchStorage() bool {
	return c.Storage != nil && c.Storage.Watch
}

// GetAPIBaseURL returns the REST base URL or "" when no API is configured.
func (c *Config) GetAPIBaseURL() string {
	if c.API != nil {
		return c.API.BaseURL
	}
	return ""
}

// GetAPITimeout returns the per-request timeout.
func (c *Config) GetAPITimeout() time.Duration {
	if c.API == nil {
		return DefaultAPITimeout
	}
	return parsePositive(c.API.Timeout, DefaultAPITimeout)
}

// GetAPITokenSecret returns the name of the bearer token secret.
func (c *Config) GetAPITokenSecret() string {
	if c.API != nil {
		return c.API.TokenSecret
	}
	return ""
}

// GetRetryAttempts returns the configured attempts or 1.
func (c *Config) GetRetryAttempts() int {
	if r := c.retry(); r != nil && r.Attempts >= 1 {
		return r.Attempts
	}
	return 1
}

// GetRetryDelay returns the base retry delay, defaulting to 200ms.
func (c *Config) GetRetryDelay() time.Duration {
	if r := c.retry(); r != nil {
		return parsePositive(r.Delay, 200*time.Millisecond)
	}
	return 200 * time.Millisecond
}

// GetRetryMaxDelay returns the retry delay cap, or 0 for none.
func (c *Config) GetRetryMaxDelay() time.Duration {
	if r := c.retry(); r != nil {
		return parsePositive(r.MaxDelay, 0)
	}
	return 0
}

// GetRetryBackoffFactor returns the backoff factor, at least 1.0.
func (c *Config) GetRetryBackoffFactor() float64 {
	if r := c.retry(); r != nil && r.BackoffFactor != nil && *r.BackoffFactor >= 1.0 {
		return *r.BackoffFactor
	}
	return 1.0
}

// GetRetryJitter returns the jitter clamped to [0, 1].
func (c *Config) GetRetryJitter() float64 {
	r := c.retry()
	if r == nil || r.Jitter == nil {
		return 0.0
	}
	switch j := *r.Jitter; {
	case j < 0.0:
		return 0.0
	case j > 1.0:
		return 1.0
	default:
		return j
	}
}

func (c *Config) retry() *RetryConfig {
	if c.API == nil {
		return nil
	}
	return c.API.Retry
}

// GetMaxNotifications returns the UI notification queue limit.
func (c *Config) GetMaxNotifications() int {
	if c.UI != nil && c.UI.MaxNotifications > 0 {
		return c.UI.MaxNotifications
	}
	return DefaultMaxNotifications
}

// GetNotificationDuration returns the default auto-dismiss delay.
func (c *Config) GetNotificationDuration() time.Duration {
	if c.UI != nil {
		return parsePositive(c.UI.NotificationDuration, DefaultNotificationDuration)
	}
	return DefaultNotificationDuration
}

// GetResizeDebounce returns the resize debounce window.
func (c *Config) GetResizeDebounce() time.Duration {
	if c.UI != nil {
		return parsePositive(c.UI.ResizeDebounce, DefaultResizeDebounce)
	}
	return DefaultResizeDebounce
}

// GetModalBaseZIndex returns the zIndex of the bottom modal.
func (c *Config) GetModalBaseZIndex() int {
	if c.UI != nil && c.UI.ModalBaseZIndex > 0 {
		return c.UI.ModalBaseZIndex
	}
	return DefaultModalBaseZIndex
}

// GetSTUNURLs returns the configured STUN URLs.
func (c *Config) GetSTUNURLs() []string {
	if c.Call != nil {
		return c.Call.STUNURLs
	}
	return nil
}

// GetTURNURLs returns the configured TURN URLs.
func (c *Config) GetTURNURLs() []string {
	if c.Call != nil {
		return c.Call.TURNURLs
	}
	return nil
}

// GetCredentialTTL returns the lifetime of minted TURN credentials.
func (c *Config) GetCredentialTTL() time.Duration {
	if c.Call != nil {
		return parsePositive(c.Call.CredentialTTL, DefaultCredentialTTL)
	}
	return DefaultCredentialTTL
}

// GetLogLevel returns the log level, defaulting to info.
func (c *Config) GetLogLevel() string {
	if c.Logging != nil && c.Logging.Level != "" {
		return c.Logging.Level
	}
	return "info"
}

// GetLogFormat returns the log format, defaulting to text.
func (c *Config) GetLogFormat() string {
	if c.Logging != nil && c.Logging.Format != "" {
		return c.Logging.Format
	}
	return "text"
}

// parsePositive parses a duration, falling back on empty, invalid or
// non-positive input.
func parsePositive(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
