package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for telemetry-mapper.
// Values come from config.yaml with environment variable overrides.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"5000"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time

	// MigrationsPath is the directory holding the catalog schema migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// Catalog database (PostgreSQL) holding data sources and mappings.
	Database DatabaseConfig `yaml:"database"`

	// External data source pooling and query limits.
	Datasource DatasourceConfig `yaml:"datasource"`

	// Latest-value resolution.
	Latest LatestConfig `yaml:"latest"`

	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// APIKey guards mutating routes via the x-api-key header. Empty disables the check.
	APIKey string `yaml:"-" env:"API_KEY"`

	// CredentialsKey encrypts data source passwords at rest.
	// Base64 encoded 32-byte key or a passphrase. Generate with: openssl rand -base64 32
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"`
}

// DatabaseConfig holds PostgreSQL catalog database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"telemetry"`
	Password       string `yaml:"-" env:"PGPASSWORD"`
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"telemetry_mapper"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// DatasourceConfig holds external data source connection settings.
type DatasourceConfig struct {
	// ConnectionTTLMinutes is how long idle data source pools are kept alive.
	ConnectionTTLMinutes int `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"5"`
	// PoolMaxConns bounds connections per data source.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"5"`
	// PoolMinConns is the number of idle connections kept per data source.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"1"`
	// QueryTimeoutSeconds bounds a single external query.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"DATASOURCE_QUERY_TIMEOUT_SECONDS" env-default:"15"`
	// MaxConcurrentPerSource bounds in-flight queries per data source during fan-out.
	MaxConcurrentPerSource int `yaml:"max_concurrent_per_source" env:"DATASOURCE_MAX_CONCURRENT_PER_SOURCE" env-default:"5"`
	// BreakerFailures is the consecutive failure count that opens a source's circuit.
	BreakerFailures uint32 `yaml:"breaker_failures" env:"DATASOURCE_BREAKER_FAILURES" env-default:"3"`
	// BreakerCooldownSeconds is how long an open circuit rejects queries.
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds" env:"DATASOURCE_BREAKER_COOLDOWN_SECONDS" env-default:"30"`
}

// QueryTimeout returns the per-query timeout.
func (c *DatasourceConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// BreakerCooldown returns the open-state duration for source circuits.
func (c *DatasourceConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// LatestConfig controls /latest resolution.
type LatestConfig struct {
	DefaultLookbackDays   int `yaml:"default_lookback_days" env:"LATEST_DEFAULT_LOOKBACK_DAYS" env-default:"3650"`
	CacheTTLSeconds       int `yaml:"cache_ttl_seconds" env:"LATEST_CACHE_TTL_SECONDS" env-default:"10"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" env:"LATEST_REQUEST_TIMEOUT_SECONDS" env-default:"30"`
}

// CacheTTL returns the Redis TTL for cached /latest responses.
func (c *LatestConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RequestTimeout bounds a whole /latest or /debug request.
func (c *LatestConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RedisConfig configures the optional /latest cache. Empty host disables it.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// MQTTConfig configures the optional latest-value snapshot publisher.
// Empty broker disables it.
type MQTTConfig struct {
	Broker          string `yaml:"broker" env:"MQTT_BROKER" env-default:""`
	ClientID        string `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"telemetry-mapper"`
	Username        string `yaml:"username" env:"MQTT_USERNAME" env-default:""`
	Password        string `yaml:"-" env:"MQTT_PASSWORD"`
	TopicPrefix     string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX" env-default:"telemetry/latest"`
	IntervalSeconds int    `yaml:"interval_seconds" env:"MQTT_INTERVAL_SECONDS" env-default:"30"`
}

// Interval returns the publish period.
func (c *MQTTConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TelemetryConfig configures OpenTelemetry export. Empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"telemetry-mapper"`
	Insecure     bool   `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; defaults and environment apply.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from path with environment variable overrides.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if fileExists(path) {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CredentialsKey == "" {
		return fmt.Errorf("CREDENTIALS_KEY is required")
	}
	if c.Datasource.PoolMaxConns <= 0 {
		return fmt.Errorf("datasource.pool_max_conns must be positive")
	}
	if c.Datasource.MaxConcurrentPerSource <= 0 {
		return fmt.Errorf("datasource.max_concurrent_per_source must be positive")
	}
	if c.Latest.DefaultLookbackDays < 0 {
		return fmt.Errorf("latest.default_lookback_days must not be negative")
	}
	return nil
}

// ConnectionString returns a PostgreSQL URL for the catalog database.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
