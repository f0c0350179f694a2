package mysql

import (
	"context"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        models.EngineMySQL,
			DisplayName: "MySQL",
			Description: "Read telemetry from MySQL 5.7+ and MariaDB",
			DefaultPort: DefaultPort(),
			Capabilities: []datasource.Capability{
				datasource.CapabilityLatest,
				datasource.CapabilityDebug,
				datasource.CapabilityIntrospection,
			},
		},
		Dialect:     Dialect{},
		PoolFactory: createPool,
		QueryExecutorFactory: func(ctx context.Context, ds *models.DataSource, connMgr *datasource.ConnectionManager) (datasource.QueryExecutor, error) {
			return NewQueryExecutor(ctx, FromDataSource(ds), connMgr, ds.ID)
		},
		SchemaIntrospectorFactory: func(ctx context.Context, ds *models.DataSource, connMgr *datasource.ConnectionManager) (datasource.SchemaIntrospector, error) {
			return NewQueryExecutor(ctx, FromDataSource(ds), connMgr, ds.ID)
		},
	})
}
