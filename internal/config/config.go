package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"ledgerbridge/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig                        `yaml:"app"`
	Logging    LoggingConfig                    `yaml:"logging"`
	Database   DatabaseConfig                   `yaml:"database"`
	Backup     BackupConfig                     `yaml:"backup"`
	Redis      RedisConfig                      `yaml:"redis"`
	Queue      QueueConfig                      `yaml:"queue"`
	Cache      CacheConfig                      `yaml:"cache"`
	Exports    ExportConfig                     `yaml:"exports"`
	Providers  map[string]models.ProviderConfig `yaml:"providers"`
	API        APIConfig                        `yaml:"api"`
	Monitoring MonitoringConfig                 `yaml:"monitoring"`
	Alerts     AlertsConfig                     `yaml:"alerts"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Queue execution modes.
const (
	QueueDurable = "durable"
	QueueMemory  = "memory"
	QueueInline  = "inline"
)

type QueueConfig struct {
	Mode              string        `yaml:"mode"`
	Workers           int           `yaml:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	DefaultMaxRetries *int          `yaml:"default_max_retries"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout"`
	BatchSize         int           `yaml:"batch_size"`
	KeyPrefix         string        `yaml:"key_prefix"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Export sinks.
const (
	SinkFile   = "file"
	SinkS3     = "s3"
	SinkSheets = "sheets"
)

type ExportConfig struct {
	Sink            string        `yaml:"sink"`
	Path            string        `yaml:"path"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	S3              S3Config      `yaml:"s3"`
	Sheets          SheetsConfig  `yaml:"sheets"`
}

type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

type SheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Reflection     bool          `yaml:"reflection"`
	HealthInterval time.Duration `yaml:"health_interval"`
	TLS            APITLSConfig  `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `yaml:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	Debug    bool   `yaml:"debug"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch c.Queue.Mode {
	case QueueDurable:
		if c.Redis.Address == "" {
			return errors.New("queue mode durable requires redis.address")
		}
	case QueueMemory, QueueInline:
	default:
		return fmt.Errorf("unknown queue mode %q", c.Queue.Mode)
	}

	if c.Queue.DefaultMaxRetries != nil && *c.Queue.DefaultMaxRetries < 0 {
		return errors.New("queue.default_max_retries must not be negative")
	}

	switch c.Exports.Sink {
	case SinkFile:
		if c.Exports.Path == "" {
			return errors.New("exports.path is required for the file sink")
		}
	case SinkS3:
		if c.Exports.S3.Bucket == "" {
			return errors.New("exports.s3.bucket is required for the s3 sink")
		}
	case SinkSheets:
		if c.Exports.Sheets.SpreadsheetID == "" || c.Exports.Sheets.CredentialsFile == "" {
			return errors.New("exports.sheets requires credentials_file and spreadsheet_id")
		}
	default:
		return fmt.Errorf("unknown export sink %q", c.Exports.Sink)
	}

	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", name)
		}
		if p.Environment != models.EnvProduction && p.Environment != models.EnvSandbox {
			return fmt.Errorf("provider %s: environment must be production or sandbox", name)
		}
		if p.RequestsPerSecond < 0 {
			return fmt.Errorf("provider %s: requests_per_second must not be negative", name)
		}
	}

	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == 0) {
		return errors.New("telegram alerts require bot_token and chat_id")
	}

	return nil
}

// ProviderNames returns configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the named provider config with its name filled in.
func (c *Config) Provider(name string) (models.ProviderConfig, bool) {
	p, ok := c.Providers[name]
	if ok {
		p.Provider = name
	}
	return p, ok
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ledgerbridge"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/ledgerbridge.db"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}

	q := &c.Queue
	if q.Mode == "" {
		if c.Redis.Address != "" {
			q.Mode = QueueDurable
		} else {
			q.Mode = QueueMemory
		}
	}
	if q.Workers == 0 {
		q.Workers = 4
	}
	if q.PollInterval == 0 {
		q.PollInterval = 500 * time.Millisecond
	}
	if q.SweepInterval == 0 {
		q.SweepInterval = 30 * time.Second
	}
	if q.BaseDelay == 0 {
		q.BaseDelay = models.DefaultBaseDelay
	}
	if q.DefaultMaxRetries == nil {
		n := models.DefaultMaxRetries
		q.DefaultMaxRetries = &n
	}
	if q.LeaseTimeout == 0 {
		q.LeaseTimeout = 10 * time.Minute
	}
	if q.BatchSize == 0 {
		q.BatchSize = 50
	}
	if q.KeyPrefix == "" {
		q.KeyPrefix = "ledgerbridge"
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = models.DefaultCacheTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Hour
	}

	if c.Exports.Sink == "" {
		c.Exports.Sink = SinkFile
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "data/exports"
	}
	if c.Exports.Retention == 0 {
		c.Exports.Retention = models.DefaultExportRetention
	}
	if c.Exports.CleanupInterval == 0 {
		c.Exports.CleanupInterval = time.Hour
	}
	if c.Exports.S3.PresignTTL == 0 {
		c.Exports.S3.PresignTTL = 15 * time.Minute
	}

	for name, p := range c.Providers {
		p.Provider = name
		if p.Environment == "" {
			p.Environment = models.EnvProduction
		}
		if p.Timeout == 0 {
			p.Timeout = 30 * time.Second
		}
		c.Providers[name] = p
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.GRPC.HealthInterval == 0 {
		c.API.GRPC.HealthInterval = time.Minute
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
