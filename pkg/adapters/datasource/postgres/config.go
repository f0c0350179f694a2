package postgres

import (
	"net"
	"net/url"
	"strconv"

	"github.com/ekaya-inc/telemetry-mapper/pkg/config"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string // default schema for unqualified table names
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSchema is used when a data source has no schema set.
const DefaultSchema = "public"

// FromDataSource builds a Config from a registered data source.
func FromDataSource(ds *models.DataSource) *Config {
	cfg := &Config{
		Host:     ds.Host,
		Port:     ds.Port,
		User:     ds.Username,
		Password: ds.Password,
		Database: ds.Database,
		Schema:   ds.Schema,
		SSLMode:  "disable",
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if ds.SSL {
		cfg.SSLMode = "require"
	}
	return cfg
}

// buildConnectionString builds a PostgreSQL URL. url.URL escapes user-provided
// fields so passwords containing '@', '/', '#' or '?' survive parsing.
// When running in Docker, localhost is resolved to host.docker.internal.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	host := config.ResolveHostForDocker(cfg.Host)

	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}
