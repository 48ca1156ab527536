// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.parley/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: persistence engine selection and tuning (see storage fields)
//   - Transport: backend endpoints for the unary and streaming paths
//   - Delivery: fallback and retry policy
//   - Render: fragment batching cadence and queue bounds
//   - Window: conversation memory cache bounds
//   - Search: relevance scoring weights
//   - Server: HTTP listener settings
//   - Observability: OTLP trace export (see observability.go)
//
// Error handling uses sentinel errors for errors.Is checks, wrapped with
// fmt.Errorf("%w: details", ErrXxx).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Storage engine identifiers used in Config.StorageEngine.
const (
	EngineSQLite = "sqlite"
	EngineMemory = "memory"
)

// Render policy identifiers used in Config.RenderPolicy.
const (
	RenderAccumulate = "accumulate"
	RenderLatestWins = "latest-wins"
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (tokens, keys), update MarshalJSON.
type Config struct {
	// Storage configuration
	StorageEngine        string `mapstructure:"storage_engine" json:"storage_engine"` // "sqlite" (default), "memory"
	SQLitePath           string `mapstructure:"sqlite_path" json:"sqlite_path"`
	CompressionThreshold int    `mapstructure:"compression_threshold" json:"compression_threshold"` // bytes; <=0 disables

	// Transport configuration
	BackendURL     string `mapstructure:"backend_url" json:"backend_url"`     // unary HTTP base URL
	StreamURL      string `mapstructure:"stream_url" json:"stream_url"`       // websocket endpoint; empty disables streaming
	BackendToken   string `mapstructure:"backend_token" json:"backend_token"` // SENSITIVE: masked in MarshalJSON
	RequestTimeout int    `mapstructure:"request_timeout_ms" json:"request_timeout_ms"`

	// Delivery configuration
	SilenceTimeout int `mapstructure:"silence_timeout_ms" json:"silence_timeout_ms"`
	UnaryAttempts  int `mapstructure:"unary_attempts" json:"unary_attempts"`
	BackoffInitial int `mapstructure:"backoff_initial_ms" json:"backoff_initial_ms"`
	BackoffMax     int `mapstructure:"backoff_max_ms" json:"backoff_max_ms"`
	MaxAttempts    int `mapstructure:"max_attempts" json:"max_attempts"` // per logical turn, first send included

	// Render configuration
	RenderPolicy   string `mapstructure:"render_policy" json:"render_policy"` // "accumulate" (default), "latest-wins"
	FlushInterval  int    `mapstructure:"flush_interval_ms" json:"flush_interval_ms"`
	MaxQueueSize   int    `mapstructure:"max_queue_size" json:"max_queue_size"`
	MaxStepsPerSec int    `mapstructure:"max_steps_per_sec" json:"max_steps_per_sec"`

	// Window configuration
	MaxMessagesInMemory      int `mapstructure:"max_messages_in_memory" json:"max_messages_in_memory"`
	MaxConversationsInMemory int `mapstructure:"max_conversations_in_memory" json:"max_conversations_in_memory"`
	MaxWindowFootprint       int `mapstructure:"max_window_footprint_bytes" json:"max_window_footprint_bytes"`
	WindowStaleness          int `mapstructure:"window_staleness_ms" json:"window_staleness_ms"`
	WindowSweepInterval      int `mapstructure:"window_sweep_interval_ms" json:"window_sweep_interval_ms"`

	// Search scoring weights (see store.SearchWeights)
	Search SearchConfig `mapstructure:"search" json:"search"`

	// Server configuration
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	StateFile   string   `mapstructure:"state_file" json:"state_file"` // current-conversation file; empty disables

	// Logging configuration
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug, info, warn, error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Observability configuration (see observability.go)
	Observability ObservabilityConfig `mapstructure:"observability" json:"observability"`
}

// SearchConfig holds the relevance scoring weights.
type SearchConfig struct {
	ExactPhrase   float64 `mapstructure:"exact_phrase" json:"exact_phrase"`
	Keyword       float64 `mapstructure:"keyword" json:"keyword"`
	Entity        float64 `mapstructure:"entity" json:"entity"`
	AgentName     float64 `mapstructure:"agent_name" json:"agent_name"`
	Recency       float64 `mapstructure:"recency" json:"recency"`
	RecencyWindow int     `mapstructure:"recency_window_hours" json:"recency_window_hours"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(configDir string) {
	// Storage defaults
	viper.SetDefault("storage_engine", EngineSQLite)
	viper.SetDefault("sqlite_path", filepath.Join(configDir, "parley.db"))
	viper.SetDefault("compression_threshold", 4096)

	// Transport defaults
	viper.SetDefault("backend_url", "http://localhost:8000")
	viper.SetDefault("stream_url", "ws://localhost:8000/stream")
	viper.SetDefault("request_timeout_ms", 60000)

	// Delivery defaults
	viper.SetDefault("silence_timeout_ms", 30000)
	viper.SetDefault("unary_attempts", 3)
	viper.SetDefault("backoff_initial_ms", 500)
	viper.SetDefault("backoff_max_ms", 10000)
	viper.SetDefault("max_attempts", 3)

	// Render defaults
	viper.SetDefault("render_policy", RenderAccumulate)
	viper.SetDefault("flush_interval_ms", 16)
	viper.SetDefault("max_queue_size", 64)
	viper.SetDefault("max_steps_per_sec", 120)

	// Window defaults
	viper.SetDefault("max_messages_in_memory", 200)
	viper.SetDefault("max_conversations_in_memory", 8)
	viper.SetDefault("max_window_footprint_bytes", 8<<20)
	viper.SetDefault("window_staleness_ms", 300000)
	viper.SetDefault("window_sweep_interval_ms", 60000)

	// Search defaults
	viper.SetDefault("search.exact_phrase", 10.0)
	viper.SetDefault("search.keyword", 2.0)
	viper.SetDefault("search.entity", 1.0)
	viper.SetDefault("search.agent_name", 3.0)
	viper.SetDefault("search.recency", 1.0)
	viper.SetDefault("search.recency_window_hours", 168)

	// Server defaults
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("state_file", filepath.Join(configDir, "current_conversation"))

	// Logging defaults
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)

	// Observability defaults
	viper.SetDefault("observability.enabled", false)
	viper.SetDefault("observability.endpoint", "localhost:4318")
	viper.SetDefault("observability.environment", "dev")
	viper.SetDefault("observability.service_name", "parley")
}

// bindEnvVariables binds environment overrides explicitly.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("backend_url", "PARLEY_BACKEND_URL")
	mustBind("stream_url", "PARLEY_STREAM_URL")
	mustBind("backend_token", "PARLEY_BACKEND_TOKEN")
	mustBind("storage_engine", "PARLEY_STORAGE_ENGINE")
	mustBind("sqlite_path", "PARLEY_SQLITE_PATH")
	mustBind("listen_addr", "PARLEY_LISTEN_ADDR")
	mustBind("state_file", "PARLEY_STATE_FILE")
	mustBind("cors_origins", "PARLEY_CORS_ORIGINS")
	mustBind("log_level", "PARLEY_LOG_LEVEL")
	mustBind("observability.enabled", "PARLEY_TRACING_ENABLED")
	mustBind("observability.endpoint", "PARLEY_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets mask
// fully; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.BackendToken = maskSecret(a.BackendToken)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
