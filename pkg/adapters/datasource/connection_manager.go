package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/logging"
	"github.com/ekaya-inc/telemetry-mapper/pkg/retry"
)

const (
	DefaultConnectionTTLMinutes = 5
	DefaultCleanupInterval      = 1 * time.Minute
	DefaultPoolMaxConns         = 5
	DefaultPoolMinConns         = 1
)

// ConnectionManagerConfig holds configuration for the connection manager
type ConnectionManagerConfig struct {
	TTLMinutes   int
	PoolMaxConns int32
	PoolMinConns int32
}

// ConnectionManager owns one bounded connection pool per external data source.
// Pools are shared by every executor for that source and closed after TTL of
// inactivity.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*ManagedConnection // key: "{engine}:{datasourceId}"
	config      ConnectionManagerConfig
	ttl         time.Duration
	stopped     bool
	stopChan    chan struct{}
	logger      *zap.Logger
}

// ManagedConnection is a pooled connection with its last use time.
type ManagedConnection struct {
	connector PoolConnector
	// fingerprint identifies the connection string the pool was opened with,
	// so rotated credentials produce a fresh pool.
	fingerprint string
	lastUsed    time.Time
	mu          sync.Mutex
}

// NewConnectionManager creates a connection manager with the given configuration.
// Starts a background cleanup goroutine that runs until Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns <= 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &ConnectionManager{
		connections: make(map[string]*ManagedConnection),
		config:      cfg,
		ttl:         time.Duration(cfg.TTLMinutes) * time.Minute,
		stopChan:    make(chan struct{}),
		logger:      logger.Named("connections"),
	}

	go manager.cleanupExpiredConnections()
	return manager
}

func connectionKey(engine string, datasourceID uuid.UUID) string {
	return engine + ":" + datasourceID.String()
}

func fingerprint(connString string) string {
	sum := sha256.Sum256([]byte(connString))
	return hex.EncodeToString(sum[:8])
}

// GetOrCreateConnection returns the pool for a data source, creating it with
// the engine's registered PoolFactory when needed. An existing pool is health
// checked before reuse and recreated if unhealthy or opened with a different
// connection string.
func (m *ConnectionManager) GetOrCreateConnection(
	ctx context.Context,
	engine string,
	datasourceID uuid.UUID,
	connString string,
) (PoolConnector, error) {
	key := connectionKey(engine, datasourceID)
	fp := fingerprint(connString)

	// Try existing connection with read lock (fast path)
	m.mu.RLock()
	managed, exists := m.connections[key]
	stopped := m.stopped
	m.mu.RUnlock()

	if stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	if exists {
		managed.mu.Lock()

		if managed.fingerprint != fp {
			managed.mu.Unlock()
			m.logger.Info("connection settings changed, recreating pool", zap.String("key", key))
			m.removeConnection(key)
			return m.createNewConnection(ctx, key, engine, fp, connString)
		}

		// Health check with retry and timeout
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := retry.Do(healthCtx, retry.HealthCheckConfig(), func() error {
			return managed.connector.Ping(healthCtx)
		})

		if err != nil {
			// Unhealthy - log sanitized error, remove, and recreate
			m.logger.Warn("connection unhealthy, recreating",
				zap.String("key", key),
				zap.String("error", logging.SanitizeError(err)),
			)
			managed.mu.Unlock() // Unlock before calling removeConnection
			m.removeConnection(key)
			return m.createNewConnection(ctx, key, engine, fp, connString)
		}

		managed.lastUsed = time.Now()
		managed.mu.Unlock()
		return managed.connector, nil
	}

	return m.createNewConnection(ctx, key, engine, fp, connString)
}

// createNewConnection creates a new pool with retry logic.
// Caller must NOT hold any locks (this method acquires write lock).
func (m *ConnectionManager) createNewConnection(
	ctx context.Context,
	key string,
	engine string,
	fp string,
	connString string,
) (PoolConnector, error) {
	factory := GetPoolFactory(engine)
	if factory == nil {
		return nil, apperrors.NewUnsupportedEngineError(engine, "connection pooling")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	// Double-check after acquiring write lock (another goroutine may have created it)
	if managed, exists := m.connections[key]; exists && managed != nil && managed.fingerprint == fp {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		managed.lastUsed = time.Now()
		return managed.connector, nil
	}

	// Only transient failures are retried; bad credentials fail on the first attempt.
	var connector PoolConnector
	err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		c, err := factory(ctx, connString, m.config)
		if err != nil {
			return err
		}
		connector = c
		return nil
	})
	if err != nil {
		m.logger.Error("failed to create pool",
			zap.String("key", key),
			zap.String("target", logging.SanitizeConnectionString(connString)),
			zap.Bool("retryable", retry.IsRetryable(err)),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("failed to create pool for %s: %w", key, err)
	}

	// A stale pool for the same key (different credentials) is replaced.
	if old, exists := m.connections[key]; exists && old != nil && old.connector != nil {
		_ = old.connector.Close()
	}

	m.connections[key] = &ManagedConnection{
		connector:   connector,
		fingerprint: fp,
		lastUsed:    time.Now(),
	}

	m.logger.Info("created new connection pool",
		zap.String("key", key),
		zap.String("engine", engine),
		zap.Int32("maxConns", m.config.PoolMaxConns),
		zap.Int("totalConnections", len(m.connections)),
	)

	return connector, nil
}

// Invalidate closes and forgets every pool of a data source. Called after
// credential rotation or deletion.
func (m *ConnectionManager) Invalidate(datasourceID uuid.UUID) {
	suffix := ":" + datasourceID.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, managed := range m.connections {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		if managed != nil && managed.connector != nil {
			_ = managed.connector.Close()
		}
		delete(m.connections, key)
		m.logger.Debug("invalidated connection", zap.String("key", key))
	}
}

// removeConnection removes a connection from the pool and closes it.
// Caller must NOT hold m.mu lock (this method acquires write lock).
func (m *ConnectionManager) removeConnection(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, exists := m.connections[key]; exists && managed != nil {
		if managed.connector != nil {
			_ = managed.connector.Close()
		}
		delete(m.connections, key)
		m.logger.Debug("removed connection",
			zap.String("key", key),
		)
	}
}

// cleanupExpiredConnections runs periodically to remove expired connections.
// Runs in a background goroutine until stopChan is closed.
func (m *ConnectionManager) cleanupExpiredConnections() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup removes connections that haven't been used within TTL.
// Lock ordering: manager lock, then connection lock.
func (m *ConnectionManager) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	now := time.Now()
	expiredKeys := []string{}

	for key, managed := range m.connections {
		if managed == nil {
			continue
		}
		managed.mu.Lock()
		idleTime := now.Sub(managed.lastUsed)
		managed.mu.Unlock()

		if idleTime > m.ttl {
			expiredKeys = append(expiredKeys, key)
			m.logger.Debug("marking connection for cleanup",
				zap.String("key", key),
				zap.Duration("idleTime", idleTime),
				zap.Duration("ttl", m.ttl),
			)
		}
	}

	for _, key := range expiredKeys {
		if managed := m.connections[key]; managed != nil && managed.connector != nil {
			_ = managed.connector.Close()
		}
		delete(m.connections, key)
	}

	if len(expiredKeys) > 0 {
		m.logger.Info("cleaned up expired connections",
			zap.Int("count", len(expiredKeys)),
			zap.Int("remaining", len(m.connections)),
		)
	}
}

// Close closes all connections in the manager and stops the cleanup goroutine.
// This method is idempotent and safe to call multiple times.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}

	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.connections {
		if managed != nil && managed.connector != nil {
			_ = managed.connector.Close()
		}
	}

	m.connections = make(map[string]*ManagedConnection)
	m.logger.Info("connection manager closed")
	return nil
}

// GetStats returns statistics about the connection manager.
// Safe to call concurrently.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := ConnectionStats{
		TotalConnections:    len(m.connections),
		TTLMinutes:          int(m.ttl.Minutes()),
		PoolMaxConns:        m.config.PoolMaxConns,
		ConnectionsByEngine: make(map[string]int),
	}

	for key, managed := range m.connections {
		engine, _, _ := strings.Cut(key, ":")
		stats.ConnectionsByEngine[engine]++

		if managed != nil {
			managed.mu.Lock()
			idleSeconds := int(now.Sub(managed.lastUsed).Seconds())
			managed.mu.Unlock()
			if idleSeconds > stats.OldestIdleSeconds {
				stats.OldestIdleSeconds = idleSeconds
			}
		}
	}

	return stats
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalConnections    int            `json:"total_connections"`
	TTLMinutes          int            `json:"ttl_minutes"`
	PoolMaxConns        int32          `json:"pool_max_conns"`
	ConnectionsByEngine map[string]int `json:"connections_by_engine"`
	OldestIdleSeconds   int            `json:"oldest_idle_seconds"`
}
