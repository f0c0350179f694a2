package mysql

import (
	"net"
	"strconv"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/telemetry-mapper/pkg/config"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// Config contains MySQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

// DefaultPort returns the default MySQL port.
func DefaultPort() int {
	return 3306
}

const dialTimeout = 10 * time.Second

// FromDataSource builds a Config from a registered data source.
func FromDataSource(ds *models.DataSource) *Config {
	cfg := &Config{
		Host:     ds.Host,
		Port:     ds.Port,
		User:     ds.Username,
		Password: ds.Password,
		Database: ds.Database,
		TLS:      ds.SSL,
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}
	return cfg
}

// buildDSN formats a go-sql-driver DSN. Temporal columns are parsed into
// time.Time and interpreted as UTC.
func buildDSN(cfg *Config) string {
	dc := driver.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(config.ResolveHostForDocker(cfg.Host), strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Timeout = dialTimeout
	if cfg.TLS {
		dc.TLSConfig = "true"
	}
	return dc.FormatDSN()
}
