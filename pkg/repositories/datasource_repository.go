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

// PostgreSQL error codes the repositories translate.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DatasourceRepository defines the interface for data source access.
// Passwords are stored encrypted - encryption/decryption is handled by the service layer.
type DatasourceRepository interface {
	// Create inserts a new data source. Returns a ConflictError if the name exists.
	Create(ctx context.Context, ds *models.DataSource, encryptedPassword string) error

	// GetByID retrieves a data source and its encrypted password.
	GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error)

	// GetByName retrieves a data source by its unique name.
	GetByName(ctx context.Context, name string) (*models.DataSource, string, error)

	// List retrieves all data sources ordered by name, with encrypted passwords
	// in matching order.
	List(ctx context.Context) ([]*models.DataSource, []string, error)

	// UpdateCredentials rotates username and encrypted password.
	UpdateCredentials(ctx context.Context, id uuid.UUID, username, encryptedPassword string) error

	// Delete removes a data source. Returns a ConflictError while mappings reference it.
	Delete(ctx context.Context, id uuid.UUID) error
}

type datasourceRepository struct {
	db *database.DB
}

// NewDatasourceRepository creates a new data source repository.
func NewDatasourceRepository(db *database.DB) DatasourceRepository {
	return &datasourceRepository{db: db}
}

const datasourceColumns = `id, name, engine, host, port, database_name, schema_name, username, encrypted_password, ssl, created_at, updated_at`

func scanDatasource(row pgx.Row) (*models.DataSource, string, error) {
	var ds models.DataSource
	var encryptedPassword string
	err := row.Scan(
		&ds.ID,
		&ds.Name,
		&ds.Engine,
		&ds.Host,
		&ds.Port,
		&ds.Database,
		&ds.Schema,
		&ds.Username,
		&encryptedPassword,
		&ds.SSL,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	return &ds, encryptedPassword, nil
}

func (r *datasourceRepository) Create(ctx context.Context, ds *models.DataSource, encryptedPassword string) error {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	now := time.Now().UTC()
	ds.CreatedAt = now
	ds.UpdatedAt = now

	query := `
		INSERT INTO datasources (` + datasourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query,
		ds.ID,
		ds.Name,
		ds.Engine,
		ds.Host,
		ds.Port,
		ds.Database,
		ds.Schema,
		ds.Username,
		encryptedPassword,
		ds.SSL,
		ds.CreatedAt,
		ds.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperrors.NewConflictError("datasource", "name %q already exists", ds.Name)
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}
	return nil
}

func (r *datasourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	query := `SELECT ` + datasourceColumns + ` FROM datasources WHERE id = $1`

	ds, encryptedPassword, err := scanDatasource(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.NewNotFoundError("datasource", id.String())
		}
		return nil, "", fmt.Errorf("failed to get datasource: %w", err)
	}
	return ds, encryptedPassword, nil
}

func (r *datasourceRepository) GetByName(ctx context.Context, name string) (*models.DataSource, string, error) {
	query := `SELECT ` + datasourceColumns + ` FROM datasources WHERE name = $1`

	ds, encryptedPassword, err := scanDatasource(r.db.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.NewNotFoundError("datasource", name)
		}
		return nil, "", fmt.Errorf("failed to get datasource: %w", err)
	}
	return ds, encryptedPassword, nil
}

func (r *datasourceRepository) List(ctx context.Context) ([]*models.DataSource, []string, error) {
	query := `SELECT ` + datasourceColumns + ` FROM datasources ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	defer rows.Close()

	var (
		datasources []*models.DataSource
		passwords   []string
	)
	for rows.Next() {
		ds, encryptedPassword, err := scanDatasource(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan datasource: %w", err)
		}
		datasources = append(datasources, ds)
		passwords = append(passwords, encryptedPassword)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating datasources: %w", err)
	}
	return datasources, passwords, nil
}

func (r *datasourceRepository) UpdateCredentials(ctx context.Context, id uuid.UUID, username, encryptedPassword string) error {
	query := `
		UPDATE datasources
		SET username = $2, encrypted_password = $3, updated_at = $4
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, username, encryptedPassword, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update datasource credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("datasource", id.String())
	}
	return nil
}

func (r *datasourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM datasources WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return apperrors.NewConflictError("datasource", "datasource %s is referenced by mappings", id)
		}
		return fmt.Errorf("failed to delete datasource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("datasource", id.String())
	}
	return nil
}

// Ensure datasourceRepository implements DatasourceRepository at compile time.
var _ DatasourceRepository = (*datasourceRepository)(nil)
