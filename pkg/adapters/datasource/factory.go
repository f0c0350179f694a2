package datasource

import (
	"context"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// AdapterFactory creates adapters from the registry.
type AdapterFactory interface {
	// NewQueryExecutor creates a query executor for the data source's engine.
	NewQueryExecutor(ctx context.Context, ds *models.DataSource) (QueryExecutor, error)

	// NewSchemaIntrospector creates a schema introspector for the data source's engine.
	NewSchemaIntrospector(ctx context.Context, ds *models.DataSource) (SchemaIntrospector, error)

	// Dialect returns the SQL dialect of an engine.
	Dialect(engine string) (sqlbuilder.Dialect, error)

	// Supports reports whether an engine declares a capability.
	Supports(engine string, capability Capability) bool

	// ListTypes returns info for all registered adapter types.
	ListTypes() []AdapterInfo
}

type registryFactory struct {
	connMgr *ConnectionManager
}

// NewAdapterFactory returns a factory that uses the global registry.
func NewAdapterFactory(connMgr *ConnectionManager) AdapterFactory {
	return &registryFactory{
		connMgr: connMgr,
	}
}

func (f *registryFactory) NewQueryExecutor(ctx context.Context, ds *models.DataSource) (QueryExecutor, error) {
	reg, ok := GetRegistration(ds.Engine)
	if !ok || reg.QueryExecutorFactory == nil {
		return nil, apperrors.NewUnsupportedEngineError(ds.Engine, "query execution")
	}
	return reg.QueryExecutorFactory(ctx, ds, f.connMgr)
}

func (f *registryFactory) NewSchemaIntrospector(ctx context.Context, ds *models.DataSource) (SchemaIntrospector, error) {
	reg, ok := GetRegistration(ds.Engine)
	if !ok || reg.SchemaIntrospectorFactory == nil {
		return nil, apperrors.NewUnsupportedEngineError(ds.Engine, string(CapabilityIntrospection))
	}
	return reg.SchemaIntrospectorFactory(ctx, ds, f.connMgr)
}

func (f *registryFactory) Dialect(engine string) (sqlbuilder.Dialect, error) {
	d := GetDialect(engine)
	if d == nil {
		return nil, apperrors.NewUnsupportedEngineError(engine, "")
	}
	return d, nil
}

func (f *registryFactory) Supports(engine string, capability Capability) bool {
	return Supports(engine, capability)
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}

// Ensure registryFactory implements AdapterFactory at compile time.
var _ AdapterFactory = (*registryFactory)(nil)
