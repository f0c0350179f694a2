package datasource

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPoolWrapper wraps *pgxpool.Pool to implement PoolConnector
type PostgresPoolWrapper struct {
	pool *pgxpool.Pool
}

// NewPostgresPoolWrapper creates a new PostgreSQL pool wrapper
func NewPostgresPoolWrapper(pool *pgxpool.Pool) *PostgresPoolWrapper {
	return &PostgresPoolWrapper{pool: pool}
}

func (w *PostgresPoolWrapper) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

func (w *PostgresPoolWrapper) Close() error {
	w.pool.Close()
	return nil
}

func (w *PostgresPoolWrapper) GetType() string {
	return "postgres"
}

// GetPool returns the underlying *pgxpool.Pool
func (w *PostgresPoolWrapper) GetPool() *pgxpool.Pool {
	return w.pool
}

// SQLPoolWrapper wraps a database/sql pool (mysql) to implement PoolConnector
type SQLPoolWrapper struct {
	db     *sql.DB
	engine string
}

// NewSQLPoolWrapper creates a new database/sql pool wrapper
func NewSQLPoolWrapper(db *sql.DB, engine string) *SQLPoolWrapper {
	return &SQLPoolWrapper{db: db, engine: engine}
}

func (w *SQLPoolWrapper) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

func (w *SQLPoolWrapper) Close() error {
	return w.db.Close()
}

func (w *SQLPoolWrapper) GetType() string {
	return w.engine
}

// GetDB returns the underlying *sql.DB
func (w *SQLPoolWrapper) GetDB() *sql.DB {
	return w.db
}
