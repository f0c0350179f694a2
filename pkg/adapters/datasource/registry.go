package datasource

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// Capability is an optional operation an engine adapter implements.
type Capability string

const (
	// CapabilityLatest resolves most-recent values for mappings.
	CapabilityLatest Capability = "latest"
	// CapabilityDebug exposes raw snapshot and history queries for one device.
	CapabilityDebug Capability = "debug"
	// CapabilityIntrospection describes table columns.
	CapabilityIntrospection Capability = "introspection"
)

// AdapterInfo describes a registered adapter for discovery.
type AdapterInfo struct {
	Type         string       `json:"type"`         // "mysql", "postgres"
	DisplayName  string       `json:"display_name"` // "MySQL", "PostgreSQL"
	Description  string       `json:"description"`
	DefaultPort  int          `json:"default_port"`
	Capabilities []Capability `json:"capabilities"`
}

// PoolFactory opens a connection pool for an engine.
type PoolFactory func(ctx context.Context, connString string, cfg ConnectionManagerConfig) (PoolConnector, error)

// AdapterRegistration contains info, the SQL dialect and factories for an engine.
// Factories take the data source with its plaintext credentials and the shared
// connection manager that owns pools.
type AdapterRegistration struct {
	Info                      AdapterInfo
	Dialect                   sqlbuilder.Dialect
	PoolFactory               PoolFactory
	QueryExecutorFactory      func(ctx context.Context, ds *models.DataSource, connMgr *ConnectionManager) (QueryExecutor, error)
	SchemaIntrospectorFactory func(ctx context.Context, ds *models.DataSource, connMgr *ConnectionManager) (SchemaIntrospector, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetRegistration returns the registration for an engine.
func GetRegistration(engine string) (AdapterRegistration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[engine]
	return reg, ok
}

// GetDialect returns the SQL dialect for an engine, or nil if the engine is unknown.
func GetDialect(engine string) sqlbuilder.Dialect {
	reg, ok := GetRegistration(engine)
	if !ok {
		return nil
	}
	return reg.Dialect
}

// GetPoolFactory returns the pool factory for an engine, or nil.
func GetPoolFactory(engine string) PoolFactory {
	reg, ok := GetRegistration(engine)
	if !ok {
		return nil
	}
	return reg.PoolFactory
}

// Supports reports whether a registered engine declares the capability.
func Supports(engine string, capability Capability) bool {
	reg, ok := GetRegistration(engine)
	if !ok {
		return false
	}
	return slices.Contains(reg.Info.Capabilities, capability)
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(engine string) bool {
	_, ok := GetRegistration(engine)
	return ok
}
