package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ledgerbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	t.Setenv("XERO_CLIENT_SECRET", "s3cret")

	yamlContent := `
database:
  path: "test.db"
queue:
  mode: memory
  base_delay: 2s
providers:
  xero:
    client_id: "xero-client"
    client_secret: "${XERO_CLIENT_SECRET}"
    redirect_uri: "http://localhost/callback"
    environment: sandbox
    requests_per_second: 5
  quickbooks:
    client_id: "qbo-client"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "test.db", cfg.Database.Path)
	assert.Equal(t, QueueMemory, cfg.Queue.Mode)
	assert.Equal(t, 2*time.Second, cfg.Queue.BaseDelay)
	require.NotNil(t, cfg.Queue.DefaultMaxRetries)
	assert.Equal(t, models.DefaultMaxRetries, *cfg.Queue.DefaultMaxRetries)
	assert.Equal(t, []string{"quickbooks", "xero"}, cfg.ProviderNames())

	xero, ok := cfg.Provider("xero")
	require.True(t, ok)
	assert.Equal(t, "xero", xero.Provider)
	assert.Equal(t, "s3cret", xero.ClientSecret)
	assert.True(t, xero.Sandbox())
	assert.Equal(t, 5.0, xero.RequestsPerSecond)

	qbo, _ := cfg.Provider("quickbooks")
	assert.Equal(t, models.EnvProduction, qbo.Environment)
	assert.Equal(t, 30*time.Second, qbo.Timeout)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ZeroRetriesIsKept(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
queue:
  mode: memory
  default_max_retries: 0
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg.Queue.DefaultMaxRetries)
	assert.Equal(t, 0, *cfg.Queue.DefaultMaxRetries)
}

func TestApplyDefaults_QueueMode(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, QueueMemory, cfg.Queue.Mode)
	assert.Equal(t, SinkFile, cfg.Exports.Sink)
	assert.Equal(t, models.DefaultExportRetention, cfg.Exports.Retention)

	cfg = Config{Redis: RedisConfig{Address: "localhost:6379"}}
	cfg.applyDefaults()
	assert.Equal(t, QueueDurable, cfg.Queue.Mode)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{Database: DatabaseConfig{Path: "path"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "unknown queue mode", mutate: func(c *Config) { c.Queue.Mode = "kafka" }, wantErr: true},
		{
			name: "negative default retries",
			mutate: func(c *Config) {
				n := -1
				c.Queue.DefaultMaxRetries = &n
			},
			wantErr: true,
		},
		{name: "durable without redis", mutate: func(c *Config) { c.Queue.Mode = QueueDurable }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Exports.Sink = SinkS3 }, wantErr: true},
		{name: "sheets without spreadsheet", mutate: func(c *Config) { c.Exports.Sink = SinkSheets }, wantErr: true},
		{
			name: "provider without client id",
			mutate: func(c *Config) {
				c.Providers = map[string]models.ProviderConfig{"sage": {Environment: models.EnvProduction}}
			},
			wantErr: true,
		},
		{
			name: "provider with bad environment",
			mutate: func(c *Config) {
				c.Providers = map[string]models.ProviderConfig{"sage": {ClientID: "id", Environment: "staging"}}
			},
			wantErr: true,
		},
		{
			name:    "telegram alerts without chat",
			mutate:  func(c *Config) { c.Alerts.Telegram = TelegramAlertConfig{Enabled: true, BotToken: "t"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
