// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. The live feed configuration
// (exchanges, smoothing, weights) lives in etcd and is delivered by the
// watcher; this is only the static environment surface.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// EtcdConfig holds config-store settings.
type EtcdConfig struct {
	URL                     string `mapstructure:"url"`
	AppConfigKey            string `mapstructure:"app_config_key"`
	HeartbeatIntervalMillis int    `mapstructure:"heartbeat_interval_millis"`
}

// HeartbeatInterval returns the watcher heartbeat as a duration.
func (c *EtcdConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMillis) * time.Millisecond
}

// DatabaseConfig holds persistence sink settings.
type DatabaseConfig struct {
	URL                 string `mapstructure:"url"`
	InsertionIntervalMs int    `mapstructure:"insertion_interval_ms"`
}

// InsertionInterval returns the flush cadence as a duration.
func (c *DatabaseConfig) InsertionInterval() time.Duration {
	return time.Duration(c.InsertionIntervalMs) * time.Millisecond
}

// DistributionConfig holds distribution sink settings.
type DistributionConfig struct {
	URL            string `mapstructure:"url"`
	TimeIntervalMs int    `mapstructure:"time_interval_ms"`
}

// TimeInterval returns the flush cadence as a duration.
func (c *DistributionConfig) TimeInterval() time.Duration {
	return time.Duration(c.TimeIntervalMs) * time.Millisecond
}

// EngineConfig holds dataflow engine settings.
type EngineConfig struct {
	WorkerTimeoutMillis int `mapstructure:"worker_timeout_millis"`
	WorkerThreads       int `mapstructure:"worker_threads"`
	StaleThresholdMs    int `mapstructure:"stale_threshold_ms"`
}

// DrainTimeout returns the supervisor drain timeout as a duration.
func (c *EngineConfig) DrainTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMillis) * time.Millisecond
}

// StaleThreshold returns the aggregator freshness window as a duration.
func (c *EngineConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	HealthPort     int    `mapstructure:"health_port"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("IDX")
	v.AutomaticEnv()

	// Bind env vars to config keys
	bindEnvVars(v)

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "IDX_APP_NAME", "SERVICE_NAME")
	v.BindEnv("app.environment", "IDX_ENVIRONMENT", "ENVIRONMENT")
	v.BindEnv("app.log_level", "IDX_LOG_LEVEL", "LOG_LEVEL", "log_level")

	// Etcd
	v.BindEnv("etcd.url", "IDX_ETCD_URL", "ETCD_URL", "etcd_url")
	v.BindEnv("etcd.app_config_key", "IDX_APP_CONFIG_KEY", "APP_CONFIG_KEY", "app_config_key")
	v.BindEnv("etcd.heartbeat_interval_millis",
		"IDX_ETCD_HEARTBEAT_INTERVAL_MILLIS", "ETCD_HEARTBEAT_INTERVAL_MILLIS", "etcd_heartbeat_interval_millis")

	// Database
	v.BindEnv("database.url", "IDX_DATABASE_URL", "DATABASE_URL", "database_url")
	v.BindEnv("database.insertion_interval_ms",
		"IDX_DATABASE_INSERTION_INTERVAL_MS", "DATABASE_INSERTION_INTERVAL_MS", "database_insertion_interval_ms")

	// Distribution
	v.BindEnv("distribution.url", "IDX_DISTRIBUTION_URL", "DISTRIBUTION_URL", "distribution_url")
	v.BindEnv("distribution.time_interval_ms",
		"IDX_DISTRIBUTION_TIME_INTERVAL_MS", "DISTRIBUTION_TIME_INTERVAL_MS", "distribution_time_interval_ms")

	// Engine
	v.BindEnv("engine.worker_timeout_millis",
		"IDX_WORKER_TIMEOUT_MILLIS", "WORKER_TIMEOUT_MILLIS", "worker_timeout_millis")
	v.BindEnv("engine.worker_threads", "IDX_WORKER_THREADS", "WORKER_THREADS", "worker_threads")
	v.BindEnv("engine.stale_threshold_ms",
		"IDX_STALE_THRESHOLD_MS", "STALE_THRESHOLD_MS", "stale_threshold_ms")

	// Telemetry
	v.BindEnv("telemetry.enabled", "IDX_OTEL_ENABLED", "OTEL_ENABLED")
	v.BindEnv("telemetry.service_name", "IDX_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("telemetry.otlp_endpoint", "IDX_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("telemetry.prometheus_port", "IDX_PROMETHEUS_PORT", "PROMETHEUS_PORT")
	v.BindEnv("telemetry.health_port", "IDX_HEALTH_PORT", "HEALTH_PORT")
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "price-indexer")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Etcd defaults
	v.SetDefault("etcd.url", "http://localhost:2379")
	v.SetDefault("etcd.app_config_key", "indexer/config")
	v.SetDefault("etcd.heartbeat_interval_millis", 5000)

	// Database defaults
	v.SetDefault("database.insertion_interval_ms", 2000)

	// Distribution defaults
	v.SetDefault("distribution.time_interval_ms", 5000)

	// Engine defaults
	v.SetDefault("engine.worker_timeout_millis", 5000)
	v.SetDefault("engine.worker_threads", 0) // 0 = automatic
	v.SetDefault("engine.stale_threshold_ms", 5000)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "price-indexer")
	v.SetDefault("telemetry.prometheus_port", 9090)
	v.SetDefault("telemetry.health_port", 8081)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Etcd.URL == "" {
		return fmt.Errorf("etcd.url is required")
	}
	if c.Etcd.AppConfigKey == "" {
		return fmt.Errorf("etcd.app_config_key is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Distribution.URL == "" {
		return fmt.Errorf("distribution.url is required")
	}
	if c.Database.InsertionIntervalMs <= 0 {
		return fmt.Errorf("database.insertion_interval_ms must be positive")
	}
	if c.Distribution.TimeIntervalMs <= 0 {
		return fmt.Errorf("distribution.time_interval_ms must be positive")
	}
	if c.Engine.StaleThresholdMs <= 0 {
		return fmt.Errorf("engine.stale_threshold_ms must be positive")
	}
	return nil
}
