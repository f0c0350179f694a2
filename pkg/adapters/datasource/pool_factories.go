package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreatePostgresPool creates a PostgreSQL connection pool
func CreatePostgresPool(ctx context.Context, connString string, config ConnectionManagerConfig) (PoolConnector, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Apply connection manager settings
	poolConfig.MaxConns = config.PoolMaxConns
	poolConfig.MinConns = config.PoolMinConns
	poolConfig.MaxConnIdleTime = time.Duration(config.TTLMinutes) * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	return NewPostgresPoolWrapper(pool), nil
}

// CreateSQLPool opens a database/sql pool for a registered driver and verifies
// it with a ping. database/sql connects lazily, so without the ping a bad
// host would only surface on the first query.
func CreateSQLPool(ctx context.Context, driverName, engine, dsn string, config ConnectionManagerConfig) (PoolConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(int(config.PoolMaxConns))
	db.SetMaxIdleConns(int(config.PoolMinConns))
	db.SetConnMaxIdleTime(time.Duration(config.TTLMinutes) * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewSQLPoolWrapper(db, engine), nil
}

// GetPostgresPool extracts the underlying *pgxpool.Pool from a PoolConnector.
// Returns an error if the connector is not a PostgreSQL pool.
func GetPostgresPool(connector PoolConnector) (*pgxpool.Pool, error) {
	wrapper, ok := connector.(*PostgresPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a PostgreSQL pool wrapper")
	}
	return wrapper.GetPool(), nil
}

// GetSQLDB extracts the underlying *sql.DB from a PoolConnector.
// Returns an error if the connector is not a database/sql pool.
func GetSQLDB(connector PoolConnector) (*sql.DB, error) {
	wrapper, ok := connector.(*SQLPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a database/sql pool wrapper")
	}
	return wrapper.GetDB(), nil
}
