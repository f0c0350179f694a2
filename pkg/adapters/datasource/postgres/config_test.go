package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

func TestFromDataSource_Defaults(t *testing.T) {
	cfg := FromDataSource(&models.DataSource{
		ID:       uuid.New(),
		Engine:   models.EnginePostgres,
		Host:     "db.internal",
		Database: "telemetry",
		Username: "reader",
		Password: "secret",
	})

	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "public", cfg.Schema)
	assert.Equal(t, "disable", cfg.SSLMode)
}

func TestFromDataSource_SSL(t *testing.T) {
	cfg := FromDataSource(&models.DataSource{Host: "h", Port: 6543, SSL: true, Schema: "metrics"})
	assert.Equal(t, "require", cfg.SSLMode)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "metrics", cfg.Schema)
}

func TestBuildConnectionString_EscapesCredentials(t *testing.T) {
	connStr := buildConnectionString(&Config{
		Host:     "db.internal",
		Port:     5432,
		User:     "reader",
		Password: "p@ss/w#rd?",
		Database: "telemetry",
		SSLMode:  "require",
	})

	parsed, err := pgx.ParseConfig(connStr)
	require.NoError(t, err)
	assert.Equal(t, "reader", parsed.User)
	assert.Equal(t, "p@ss/w#rd?", parsed.Password)
	assert.Equal(t, "db.internal", parsed.Host)
	assert.Equal(t, "telemetry", parsed.Database)
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "postgres", d.Engine())
	assert.Equal(t, `"uuid-456"`, d.QuoteIdentifier("uuid-456"))
	assert.Equal(t, `"we""ird"`, d.QuoteIdentifier(`we"ird`))
	assert.Equal(t, "$3", d.Placeholder(3))
	assert.Equal(t, `"public"."readings"`, sqlbuilder.QuoteQualified(d, "public.readings"))
}

func TestRegistration(t *testing.T) {
	assert.True(t, datasource.IsRegistered(models.EnginePostgres))
	assert.True(t, datasource.Supports(models.EnginePostgres, datasource.CapabilityLatest))
	assert.True(t, datasource.Supports(models.EnginePostgres, datasource.CapabilityIntrospection))
	assert.False(t, datasource.Supports(models.EnginePostgres, datasource.CapabilityDebug))
	assert.Equal(t, "postgres", datasource.GetDialect(models.EnginePostgres).Engine())
}

func TestPgTypeNameFromOID(t *testing.T) {
	assert.Equal(t, "TIMESTAMPTZ", pgTypeNameFromOID(1184))
	assert.Equal(t, "FLOAT8", pgTypeNameFromOID(701))
	assert.Equal(t, "OID_99999", pgTypeNameFromOID(99999))
}
