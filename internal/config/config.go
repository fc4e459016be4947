// Package config loads and validates relay configuration.
//
// Configuration comes from a YAML or JSON file (chosen by extension) and is
// overridden by environment variables. A .env file in the working directory
// is loaded first. Optional sections are pointers; nil disables the feature.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/ratelimit"
	"github.com/jkaninda/relay/internal/storage"
)

func init() {
	_ = godotenv.Load()
}

// Config is the root configuration.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.relay. Override: RELAY_DATA_DIR.
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Bus           bus.Config           `json:"bus" yaml:"bus"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under DataDir
	Channels      ChannelsConfig       `json:"channels" yaml:"channels"`
	Reconnect     ReconnectConfig      `json:"reconnect" yaml:"reconnect"`
	Inbound       InboundConfig        `json:"inbound" yaml:"inbound"`
	Outbound      OutboundConfig       `json:"outbound" yaml:"outbound"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = scheduler disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = admin API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
	Liveness      LivenessConfig       `json:"liveness" yaml:"liveness"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`   // debug, info (default), warn, error
	Format     string `json:"format" yaml:"format"` // json (default) or text
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"` // Default: 100
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Default: 3
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// ChannelsConfig holds one optional section per chat platform.
type ChannelsConfig struct {
	Discord  *DiscordConfig  `json:"discord,omitempty" yaml:"discord,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	QQ       *QQConfig       `json:"qq,omitempty" yaml:"qq,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty" yaml:"whatsapp,omitempty"`
}

// DiscordConfig configures the Discord gateway client.
type DiscordConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"` // Override: DISCORD_BOT_TOKEN.
	Intents    int      `json:"intents,omitempty" yaml:"intents,omitempty"`
	AllowFrom  []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"` // Empty = everyone.
	AckMessage string   `json:"ack_message,omitempty" yaml:"ack_message,omitempty"`
	GatewayURL string   `json:"gateway_url,omitempty" yaml:"gateway_url,omitempty"`
}

// TelegramConfig configures the Telegram polling client.
type TelegramConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	Token              string   `json:"token,omitempty" yaml:"token,omitempty"` // Override: TELEGRAM_BOT_TOKEN.
	AllowFrom          []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
	PollTimeoutSeconds int      `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds"`
	APIBase            string   `json:"api_base,omitempty" yaml:"api_base,omitempty"`
}

// QQConfig configures the QQ (OneBot v11) client.
type QQConfig struct {
	Enabled                  bool     `json:"enabled" yaml:"enabled"`
	EventURL                 string   `json:"event_url" yaml:"event_url"`
	APIURL                   string   `json:"api_url" yaml:"api_url"`
	AccessToken              string   `json:"access_token,omitempty" yaml:"access_token,omitempty"` // Override: QQ_ACCESS_TOKEN.
	AllowFrom                []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
	HeartbeatIntervalSeconds int      `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
}

// WhatsAppConfig configures the WhatsApp bridge client.
type WhatsAppConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	BridgeURL           string   `json:"bridge_url" yaml:"bridge_url"`
	AuthToken           string   `json:"auth_token,omitempty" yaml:"auth_token,omitempty"` // Override: WHATSAPP_BRIDGE_TOKEN.
	AllowFrom           []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
	PingIntervalSeconds int      `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
}

// ReconnectConfig sets the reconnect backoff shared by every channel.
type ReconnectConfig struct {
	InitialSeconds int     `json:"initial_seconds" yaml:"initial_seconds"` // Default: 1
	MaxSeconds     int     `json:"max_seconds" yaml:"max_seconds"`         // Default: 60
	Jitter         float64 `json:"jitter" yaml:"jitter"`                   // 0.0-1.0
}

// InitialDelay returns the first backoff delay.
func (r ReconnectConfig) InitialDelay() time.Duration {
	if r.InitialSeconds > 0 {
		return time.Duration(r.InitialSeconds) * time.Second
	}
	return time.Second
}

// MaxDelay returns the backoff cap.
func (r ReconnectConfig) MaxDelay() time.Duration {
	if r.MaxSeconds > 0 {
		return time.Duration(r.MaxSeconds) * time.Second
	}
	return 60 * time.Second
}

// InboundConfig configures the checks applied to every received message.
type InboundConfig struct {
	RateLimit        ratelimit.Config `json:"rate_limit" yaml:"rate_limit"` // per sender
	DedupeTTLSeconds int              `json:"dedupe_ttl_seconds" yaml:"dedupe_ttl_seconds"`
	DedupeMaxEntries int              `json:"dedupe_max_entries" yaml:"dedupe_max_entries"`
}

// DedupeTTL returns how long a platform message id is remembered. Default: 10m.
func (i InboundConfig) DedupeTTL() time.Duration {
	if i.DedupeTTLSeconds > 0 {
		return time.Duration(i.DedupeTTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// DedupeSize returns the dedupe cache capacity. Default: 10000.
func (i InboundConfig) DedupeSize() int {
	if i.DedupeMaxEntries > 0 {
		return i.DedupeMaxEntries
	}
	return 10000
}

// OutboundConfig configures delivery of replies to the platforms.
type OutboundConfig struct {
	RateLimit          ratelimit.Config `json:"rate_limit" yaml:"rate_limit"` // per channel
	SendTimeoutSeconds int              `json:"send_timeout_seconds" yaml:"send_timeout_seconds"`
}

// SendTimeout returns the per-message send timeout. Default: 30s.
func (o OutboundConfig) SendTimeout() time.Duration {
	if o.SendTimeoutSeconds > 0 {
		return time.Duration(o.SendTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// AgentConfig configures the executor that answers inbound messages.
type AgentConfig struct {
	Workers            int      `json:"workers" yaml:"workers"`           // Default: 4
	HistorySize        int      `json:"history_size" yaml:"history_size"` // Default: 20
	TurnTimeoutSeconds int      `json:"turn_timeout_seconds" yaml:"turn_timeout_seconds"`
	SystemPrompt       string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens          int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	ErrorReply         string   `json:"error_reply,omitempty" yaml:"error_reply,omitempty"`
	EchoPrefix         string   `json:"echo_prefix,omitempty" yaml:"echo_prefix,omitempty"` // used when no provider is configured
}

// TurnTimeout returns the per-message deadline. Default: 2m.
func (a AgentConfig) TurnTimeout() time.Duration {
	if a.TurnTimeoutSeconds > 0 {
		return time.Duration(a.TurnTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// ProvidersConfig lists OpenAI-compatible chat completion endpoints.
// OpenAI is tried first, then Fallbacks in order.
type ProvidersConfig struct {
	OpenAI    *OpenAIConfig  `json:"openai,omitempty" yaml:"openai,omitempty"`
	Fallbacks []OpenAIConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// OpenAIConfig is one OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override (primary only): OPENAI_API_KEY.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model" yaml:"model"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds    int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 30
	MaxConcurrentJobs      int  `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`             // Default: 4
	MissedJobWindowSeconds int  `json:"missed_job_window_seconds" yaml:"missed_job_window_seconds"` // Default: 3600
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxConcurrent returns the max concurrent jobs with a default of 4.
func (s *SchedulerConfig) MaxConcurrent() int {
	if s != nil && s.MaxConcurrentJobs > 0 {
		return s.MaxConcurrentJobs
	}
	return 4
}

// MissedJobWindow returns how far back missed runs are still fired at startup.
func (s *SchedulerConfig) MissedJobWindow() time.Duration {
	if s != nil && s.MissedJobWindowSeconds > 0 {
		return time.Duration(s.MissedJobWindowSeconds) * time.Second
	}
	return time.Hour
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // key -> client name. RELAY_API_KEY adds one.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           ratelimit.Config  `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus exposition on the admin API.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "relay"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// LivenessConfig configures stale-channel detection.
type LivenessConfig struct {
	StaleAfterSeconds    int `json:"stale_after_seconds" yaml:"stale_after_seconds"`       // Default: 120
	CheckIntervalSeconds int `json:"check_interval_seconds" yaml:"check_interval_seconds"` // Default: 30
}

// StaleAfter is how long a channel may go without activity before it is reported stale.
func (l LivenessConfig) StaleAfter() time.Duration {
	if l.StaleAfterSeconds > 0 {
		return time.Duration(l.StaleAfterSeconds) * time.Second
	}
	return 2 * time.Minute
}

// CheckInterval is how often stale channels are logged.
func (l LivenessConfig) CheckInterval() time.Duration {
	if l.CheckIntervalSeconds > 0 {
		return time.Duration(l.CheckIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// Load reads the config file at path, applies environment overrides and
// validates the result. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		if c.Channels.Discord == nil {
			c.Channels.Discord = &DiscordConfig{}
		}
		c.Channels.Discord.Token = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		if c.Channels.Telegram == nil {
			c.Channels.Telegram = &TelegramConfig{}
		}
		c.Channels.Telegram.Token = v
	}
	if v := os.Getenv("QQ_ACCESS_TOKEN"); v != "" {
		if c.Channels.QQ == nil {
			c.Channels.QQ = &QQConfig{}
		}
		c.Channels.QQ.AccessToken = v
	}
	if v := os.Getenv("WHATSAPP_BRIDGE_TOKEN"); v != "" {
		if c.Channels.WhatsApp == nil {
			c.Channels.WhatsApp = &WhatsAppConfig{}
		}
		c.Channels.WhatsApp.AuthToken = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &OpenAIConfig{}
		}
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && c.Providers.OpenAI != nil {
		c.Providers.OpenAI.BaseURL = v
	}

	if v := os.Getenv("RELAY_DATABASE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = v
	}

	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[v] = "env"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}

	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", storage.DriverSQLite:
		case storage.DriverPostgres:
			if c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	if c.Reconnect.MaxDelay() < c.Reconnect.InitialDelay() {
		return fmt.Errorf("reconnect.max_seconds must not be less than reconnect.initial_seconds")
	}

	if t := c.Agent.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("agent.temperature must be between 0 and 2")
	}
	if p := c.Providers.OpenAI; p != nil && p.Model == "" && p.APIKey != "" {
		return fmt.Errorf("providers.openai.model is required")
	}
	for i, p := range c.Providers.Fallbacks {
		if p.Model == "" {
			return fmt.Errorf("providers.fallbacks[%d].model is required", i)
		}
	}

	if c.HTTP != nil && c.HTTP.Enabled && len(c.HTTP.APIKeys) == 0 {
		return fmt.Errorf("http.api_keys must contain at least one key when the admin API is enabled (or set RELAY_API_KEY)")
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".relay")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StorageConfig returns the effective storage configuration: the configured
// section, with the SQLite path defaulting to relay.db under the data dir.
func (c *Config) StorageConfig() storage.Config {
	var sc storage.Config
	if c.Storage != nil {
		sc = *c.Storage
	}
	if sc.Driver == "" {
		sc.Driver = storage.DriverSQLite
	}
	if sc.Driver == storage.DriverSQLite && sc.SQLite.Path == "" {
		sc.SQLite.Path = filepath.Join(c.ResolvedDataDir(), "relay.db")
	}
	return sc
}

// SchedulerEnabled reports whether the job scheduler should run.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler != nil && c.Scheduler.Enabled
}

// HTTPEnabled reports whether the admin API should run.
func (c *Config) HTTPEnabled() bool {
	return c.HTTP != nil && c.HTTP.Enabled
}

// MetricsEnabled reports whether Prometheus metrics are collected.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}
