package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"stocksync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	Remote     RemoteConfig     `yaml:"remote"`
	Network    NetworkConfig    `yaml:"network"`
	Sync       SyncConfig       `yaml:"sync"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Redis      RedisConfig      `yaml:"redis"`
	Retention  RetentionConfig  `yaml:"retention"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DeviceConfig struct {
	ID string `yaml:"id"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxQueueSize int    `yaml:"max_queue_size"`
}

type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type NetworkConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	DwellTime         string `yaml:"dwell_time"`
}

type SyncConfig struct {
	BatchSize      int    `yaml:"batch_size"`
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

type ResolutionConfig struct {
	Default        string            `yaml:"default"`
	PerEntity      map[string]string `yaml:"per_entity"`
	QuantityFields []string          `yaml:"quantity_fields"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	MaxAge   string `yaml:"max_age"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
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

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values referenced in the YAML resolve to empty
	// strings when neither the file nor the environment provides them.
	_ = godotenv.Load(".env")

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
	if c.Device.ID == "" {
		return errors.New("device id is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Sync.BatchSize > models.RemoteBatchLimit {
		return fmt.Errorf("sync batch_size %d exceeds remote limit %d", c.Sync.BatchSize, models.RemoteBatchLimit)
	}
	if c.Resolution.Default != "" && !models.ValidStrategy(c.Resolution.Default) {
		return fmt.Errorf("unknown default resolution strategy: %s", c.Resolution.Default)
	}
	for entity, strategy := range c.Resolution.PerEntity {
		if !models.ValidStrategy(strategy) {
			return fmt.Errorf("unknown resolution strategy for %s: %s", entity, strategy)
		}
	}
	for _, raw := range []string{
		c.Remote.Timeout, c.Network.HeartbeatInterval, c.Network.DwellTime,
		c.Sync.InitialBackoff, c.Sync.MaxBackoff, c.Retention.Interval, c.Retention.MaxAge,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxQueueSize == 0 {
		c.Database.MaxQueueSize = models.DefaultMaxQueueSize
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Resolution.Default == "" {
		c.Resolution.Default = models.StrategyManual
	}
	if c.Resolution.PerEntity == nil {
		c.Resolution.PerEntity = map[string]string{
			models.EntityInventoryCount: models.StrategyMerge,
		}
	}
	if len(c.Resolution.QuantityFields) == 0 {
		c.Resolution.QuantityFields = []string{"quantity"}
	}
	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}

// Duration accessors; Validate guarantees these parse, so the fallbacks only
// cover fields omitted from the file entirely.

func (c *Config) RemoteTimeout() time.Duration {
	return durationOr(c.Remote.Timeout, 15*time.Second)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return durationOr(c.Network.HeartbeatInterval, models.DefaultHeartbeatInterval)
}

func (c *Config) DwellTime() time.Duration {
	return durationOr(c.Network.DwellTime, models.DefaultDwellTime)
}

func (c *Config) InitialBackoff() time.Duration {
	return durationOr(c.Sync.InitialBackoff, models.DefaultInitialBackoff)
}

func (c *Config) MaxBackoff() time.Duration {
	return durationOr(c.Sync.MaxBackoff, models.DefaultMaxBackoff)
}

func (c *Config) RetentionInterval() time.Duration {
	return durationOr(c.Retention.Interval, time.Hour)
}

func (c *Config) RetentionMaxAge() time.Duration {
	return durationOr(c.Retention.MaxAge, models.DefaultRetention)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
