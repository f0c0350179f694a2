// Package testhelpers provides containers for integration tests.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql" // MySQL driver for the telemetry container
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/database"
)

const (
	PostgresImage = "postgres:16-alpine"
	MySQLImage    = "mysql:8.0"
	RedisImage    = "redis:7-alpine"
)

// CatalogDB holds the catalog database with migrations applied.
// Use this for testing repositories, services and handlers against a real database.
type CatalogDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
	Host      string
	Port      int
}

var (
	sharedCatalogDB     *CatalogDB
	sharedCatalogDBOnce sync.Once
	sharedCatalogDBErr  error
)

// GetCatalogDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetCatalogDB(t *testing.T) *CatalogDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedCatalogDBOnce.Do(func() {
		sharedCatalogDB, sharedCatalogDBErr = setupCatalogDB()
	})

	if sharedCatalogDBErr != nil {
		t.Fatalf("Failed to setup catalog database: %v", sharedCatalogDBErr)
	}

	return sharedCatalogDB
}

// Reset empties the catalog tables.
func (c *CatalogDB) Reset(t *testing.T) {
	t.Helper()
	if _, err := c.DB.Exec(context.Background(), "TRUNCATE mappings, datasources"); err != nil {
		t.Fatalf("Failed to reset catalog: %v", err)
	}
}

// MigrationsPath returns the absolute path of the repository's migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func setupCatalogDB() (*CatalogDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "catalog",
			"POSTGRES_USER":     "mapper",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, port, err := hostPort(ctx, container, "5432")
	if err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("postgres://mapper:test_password@%s:%d/catalog?sslmode=disable", host, port)

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	if err := database.MigrateURL(connStr, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &CatalogDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
		Host:      host,
		Port:      port,
	}, nil
}

// MySQLDB is a MySQL container playing the role of an external telemetry store.
type MySQLDB struct {
	Container testcontainers.Container
	DB        *sql.DB
	Host      string
	Port      int
	Database  string
	User      string
	Password  string
}

var (
	sharedMySQL     *MySQLDB
	sharedMySQLOnce sync.Once
	sharedMySQLErr  error
)

// GetMySQL returns a shared MySQL container with an empty "sensordb" database.
func GetMySQL(t *testing.T) *MySQLDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedMySQLOnce.Do(func() {
		sharedMySQL, sharedMySQLErr = setupMySQL()
	})

	if sharedMySQLErr != nil {
		t.Fatalf("Failed to setup mysql: %v", sharedMySQLErr)
	}

	return sharedMySQL
}

func setupMySQL() (*MySQLDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        MySQLImage,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "root_password",
			"MYSQL_DATABASE":      "sensordb",
			"MYSQL_USER":          "sensor",
			"MYSQL_PASSWORD":      "sensor_password",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start mysql container: %w", err)
	}

	host, port, err := hostPort(ctx, container, "3306")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("sensor:sensor_password@tcp(%s:%d)/sensordb?parseTime=true&loc=UTC", host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}

	// The entrypoint restarts mysqld once after initialization.
	var pingErr error
	for i := 0; i < 60; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if pingErr != nil {
		return nil, fmt.Errorf("mysql not ready: %w", pingErr)
	}

	return &MySQLDB{
		Container: container,
		DB:        db,
		Host:      host,
		Port:      port,
		Database:  "sensordb",
		User:      "sensor",
		Password:  "sensor_password",
	}, nil
}

var (
	sharedRedisHost string
	sharedRedisPort int
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

// GetRedis returns host and port of a shared Redis container.
func GetRedis(t *testing.T) (string, int) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRedisOnce.Do(func() {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        RedisImage,
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			sharedRedisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}
		sharedRedisHost, sharedRedisPort, sharedRedisErr = hostPort(ctx, container, "6379")
	})

	if sharedRedisErr != nil {
		t.Fatalf("Failed to setup redis: %v", sharedRedisErr)
	}

	return sharedRedisHost, sharedRedisPort
}

func hostPort(ctx context.Context, container testcontainers.Container, port string) (string, int, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", 0, fmt.Errorf("failed to get container port: %w", err)
	}

	return host, mapped.Int(), nil
}
