package postgres

import (
	"context"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        models.EnginePostgres,
			DisplayName: "PostgreSQL",
			Description: "Read telemetry from PostgreSQL 12+ and TimescaleDB",
			DefaultPort: DefaultPort(),
			Capabilities: []datasource.Capability{
				datasource.CapabilityLatest,
				datasource.CapabilityIntrospection,
			},
		},
		Dialect:     Dialect{},
		PoolFactory: datasource.CreatePostgresPool,
		QueryExecutorFactory: func(ctx context.Context, ds *models.DataSource, connMgr *datasource.ConnectionManager) (datasource.QueryExecutor, error) {
			return NewQueryExecutor(ctx, FromDataSource(ds), connMgr, ds.ID)
		},
		SchemaIntrospectorFactory: func(ctx context.Context, ds *models.DataSource, connMgr *datasource.ConnectionManager) (datasource.SchemaIntrospector, error) {
			return NewQueryExecutor(ctx, FromDataSource(ds), connMgr, ds.ID)
		},
	})
}
