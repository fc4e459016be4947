package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/storage"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
data_dir: /var/lib/relay
logging:
  level: debug
  format: text
bus:
  inbound_capacity: 10
channels:
  discord:
    enabled: true
    token: file-token
    allow_from: ["123"]
  telegram:
    enabled: true
    token: tg
    poll_timeout_seconds: 15
reconnect:
  initial_seconds: 2
  max_seconds: 30
  jitter: 0.2
inbound:
  rate_limit:
    requests_per_minute: 20
scheduler:
  enabled: true
  poll_interval_seconds: 5
http:
  enabled: true
  listen_addr: ":9000"
  api_keys:
    secret: ops
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/relay", cfg.ResolvedDataDir())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Bus.InboundCapacity)
	require.NotNil(t, cfg.Channels.Discord)
	assert.Equal(t, "file-token", cfg.Channels.Discord.Token)
	assert.Equal(t, []string{"123"}, cfg.Channels.Discord.AllowFrom)
	assert.Equal(t, 15, cfg.Channels.Telegram.PollTimeoutSeconds)
	assert.Nil(t, cfg.Channels.QQ)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.InitialDelay())
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay())
	assert.Equal(t, 20, cfg.Inbound.RateLimit.RequestsPerMinute)
	assert.True(t, cfg.SchedulerEnabled())
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval())
	assert.True(t, cfg.HTTPEnabled())
	assert.Equal(t, ":9000", cfg.HTTP.Addr())
	assert.Equal(t, "ops", cfg.HTTP.APIKeys["secret"])
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "relay.json", `{
  "storage": {"driver": "postgres", "postgres": {"dsn": "postgres://relay@localhost/relay"}},
  "providers": {"openai": {"api_key": "sk", "model": "gpt-4o-mini"}}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	sc := cfg.StorageConfig()
	assert.Equal(t, storage.DriverPostgres, sc.Driver)
	assert.Equal(t, "postgres://relay@localhost/relay", sc.Postgres.DSN)
	require.NotNil(t, cfg.Providers.OpenAI)
	assert.Equal(t, "gpt-4o-mini", cfg.Providers.OpenAI.Model)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("RELAY_DATA_DIR", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("RELAY_DATABASE_DSN", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.SchedulerEnabled())
	assert.False(t, cfg.HTTPEnabled())
	assert.False(t, cfg.MetricsEnabled())
	assert.Equal(t, "/metrics", cfg.MetricsPath())
	assert.Equal(t, time.Second, cfg.Reconnect.InitialDelay())
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay())
	assert.Equal(t, 10*time.Minute, cfg.Inbound.DedupeTTL())
	assert.Equal(t, 10000, cfg.Inbound.DedupeSize())
	assert.Equal(t, 30*time.Second, cfg.Outbound.SendTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Agent.TurnTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Liveness.StaleAfter())

	var nilSched *SchedulerConfig
	assert.Equal(t, 30*time.Second, nilSched.PollInterval())
	assert.Equal(t, 4, nilSched.MaxConcurrent())
	assert.Equal(t, time.Hour, nilSched.MissedJobWindow())

	sc := cfg.StorageConfig()
	assert.Equal(t, storage.DriverSQLite, sc.Driver)
	assert.Equal(t, filepath.Join(cfg.ResolvedDataDir(), "relay.db"), sc.SQLite.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
channels:
  discord:
    enabled: true
    token: from-file
`)
	t.Setenv("DISCORD_BOT_TOKEN", "from-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-env")
	t.Setenv("WHATSAPP_BRIDGE_TOKEN", "wa-env")
	t.Setenv("QQ_ACCESS_TOKEN", "qq-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("RELAY_API_KEY", "api-env")

	cfg, err := Load(path)
	require.Error(t, err, "openai api key without a model is rejected")
	assert.Contains(t, err.Error(), "providers.openai.model")

	path = writeFile(t, "relay.yaml", `
channels:
  discord:
    enabled: true
    token: from-file
providers:
  openai:
    model: gpt-4o-mini
`)
	cfg, err = Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Channels.Discord.Token)
	assert.True(t, cfg.Channels.Discord.Enabled)
	require.NotNil(t, cfg.Channels.Telegram)
	assert.Equal(t, "tg-env", cfg.Channels.Telegram.Token)
	assert.False(t, cfg.Channels.Telegram.Enabled, "a token alone does not enable a channel")
	assert.Equal(t, "wa-env", cfg.Channels.WhatsApp.AuthToken)
	assert.Equal(t, "qq-env", cfg.Channels.QQ.AccessToken)
	assert.Equal(t, "sk-env", cfg.Providers.OpenAI.APIKey)
	require.NotNil(t, cfg.HTTP)
	assert.Equal(t, "env", cfg.HTTP.APIKeys["api-env"])
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := writeFile(t, "bad.yaml", "logging: [")
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing YAML")
}

func TestValidate(t *testing.T) {
	temp := 3.0
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid empty", Config{}, ""},
		{"bad log level", Config{Logging: LoggingConfig{Level: "trace"}}, "logging.level"},
		{"bad log format", Config{Logging: LoggingConfig{Format: "xml"}}, "logging.format"},
		{"unknown driver", Config{Storage: &storage.Config{Driver: "mysql"}}, "storage.driver"},
		{"postgres without dsn", Config{Storage: &storage.Config{Driver: storage.DriverPostgres}}, "storage.postgres.dsn"},
		{"jitter out of range", Config{Reconnect: ReconnectConfig{Jitter: 1.5}}, "reconnect.jitter"},
		{"max below initial", Config{Reconnect: ReconnectConfig{InitialSeconds: 10, MaxSeconds: 5}}, "reconnect.max_seconds"},
		{"temperature", Config{Agent: AgentConfig{Temperature: &temp}}, "agent.temperature"},
		{"fallback without model", Config{Providers: ProvidersConfig{Fallbacks: []OpenAIConfig{{Name: "x"}}}}, "providers.fallbacks[0].model"},
		{"http without keys", Config{HTTP: &HTTPConfig{Enabled: true}}, "http.api_keys"},
		{"tracing without endpoint", Config{Observability: &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true}}}, "tracing.endpoint"},
		{"tracing protocol", Config{Observability: &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true, Endpoint: "x", Protocol: "udp"}}}, "tracing.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolvedDataDir_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg := Config{DataDir: "~/relay-data"}
	assert.Equal(t, filepath.Join(home, "relay-data"), cfg.ResolvedDataDir())
}
