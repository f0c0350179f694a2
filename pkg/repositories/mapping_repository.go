package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/database"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// MappingRepository defines the interface for mapping catalog access.
// Uniqueness of (device_name, data_source_id) is enforced by a unique index.
type MappingRepository interface {
	// Create inserts a mapping. Returns a ConflictError if the device already has
	// a mapping on the data source.
	Create(ctx context.Context, m *models.Mapping) error

	// Replace inserts or overwrites the mapping for (device_name, data_source_id).
	Replace(ctx context.Context, m *models.Mapping) error

	// Get returns the mapping of a device on a data source.
	Get(ctx context.Context, deviceName string, dataSourceID uuid.UUID) (*models.Mapping, error)

	// List returns every mapping ordered by device name then data source.
	List(ctx context.Context) ([]*models.Mapping, error)

	// ListByDevice returns all mappings of one device.
	ListByDevice(ctx context.Context, deviceName string) ([]*models.Mapping, error)

	// CountByDataSource returns how many mappings reference a data source.
	CountByDataSource(ctx context.Context, dataSourceID uuid.UUID) (int, error)

	// Delete removes the mapping of a device on a data source.
	Delete(ctx context.Context, deviceName string, dataSourceID uuid.UUID) error
}

type mappingRepository struct {
	db *database.DB
}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository(db *database.DB) MappingRepository {
	return &mappingRepository{db: db}
}

const mappingColumns = `id, device_name, data_source_id, table_name, device_id_column, device_identifier_value,
	timestamp_column, value_columns, primary_value_column, unit, created_at, updated_at`

func scanMapping(row pgx.Row) (*models.Mapping, error) {
	var m models.Mapping
	err := row.Scan(
		&m.ID,
		&m.DeviceName,
		&m.DataSourceID,
		&m.TableName,
		&m.DeviceIDColumn,
		&m.DeviceIdentifierValue,
		&m.TimestampColumn,
		&m.ValueColumns,
		&m.PrimaryValueColumn,
		&m.Unit,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func mappingArgs(m *models.Mapping) []any {
	return []any{
		m.ID,
		m.DeviceName,
		m.DataSourceID,
		m.TableName,
		m.DeviceIDColumn,
		m.DeviceIdentifierValue,
		m.TimestampColumn,
		m.ValueColumns,
		m.PrimaryValueColumn,
		m.Unit,
		m.CreatedAt,
		m.UpdatedAt,
	}
}

func prepareMapping(m *models.Mapping) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
}

func translateMappingError(err error, m *models.Mapping) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperrors.NewConflictError("mapping", "device %q already mapped on datasource %s", m.DeviceName, m.DataSourceID)
		case pgForeignKeyViolation:
			return apperrors.NewNotFoundError("datasource", m.DataSourceID.String())
		}
	}
	return err
}

func (r *mappingRepository) Create(ctx context.Context, m *models.Mapping) error {
	prepareMapping(m)

	query := `
		INSERT INTO mappings (` + mappingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if _, err := r.db.Exec(ctx, query, mappingArgs(m)...); err != nil {
		if translated := translateMappingError(err, m); translated != err {
			return translated
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

func (r *mappingRepository) Replace(ctx context.Context, m *models.Mapping) error {
	prepareMapping(m)

	query := `
		INSERT INTO mappings (` + mappingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_name, data_source_id) DO UPDATE SET
			table_name = EXCLUDED.table_name,
			device_id_column = EXCLUDED.device_id_column,
			device_identifier_value = EXCLUDED.device_identifier_value,
			timestamp_column = EXCLUDED.timestamp_column,
			value_columns = EXCLUDED.value_columns,
			primary_value_column = EXCLUDED.primary_value_column,
			unit = EXCLUDED.unit,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	if err := r.db.QueryRow(ctx, query, mappingArgs(m)...).Scan(&m.ID, &m.CreatedAt); err != nil {
		if translated := translateMappingError(err, m); translated != err {
			return translated
		}
		return fmt.Errorf("failed to replace mapping: %w", err)
	}
	return nil
}

func (r *mappingRepository) Get(ctx context.Context, deviceName string, dataSourceID uuid.UUID) (*models.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE device_name = $1 AND data_source_id = $2`

	m, err := scanMapping(r.db.QueryRow(ctx, query, deviceName, dataSourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("mapping", deviceName+"@"+dataSourceID.String())
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

func (r *mappingRepository) List(ctx context.Context) ([]*models.Mapping, error) {
	return r.query(ctx, `SELECT `+mappingColumns+` FROM mappings ORDER BY device_name, data_source_id`)
}

func (r *mappingRepository) ListByDevice(ctx context.Context, deviceName string) ([]*models.Mapping, error) {
	return r.query(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE device_name = $1 ORDER BY created_at`, deviceName)
}

func (r *mappingRepository) query(ctx context.Context, query string, args ...any) ([]*models.Mapping, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

func (r *mappingRepository) CountByDataSource(ctx context.Context, dataSourceID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM mappings WHERE data_source_id = $1`, dataSourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}

func (r *mappingRepository) Delete(ctx context.Context, deviceName string, dataSourceID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM mappings WHERE device_name = $1 AND data_source_id = $2`, deviceName, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("mapping", deviceName+"@"+dataSourceID.String())
	}
	return nil
}

// Ensure mappingRepository implements MappingRepository at compile time.
var _ MappingRepository = (*mappingRepository)(nil)
