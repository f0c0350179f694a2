package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/crypto"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/repositories"
)

// DataSourceService defines the interface for the data source registry.
type DataSourceService interface {
	// Create validates and stores a data source. The returned record is redacted.
	Create(ctx context.Context, ds *models.DataSource) (*models.DataSource, error)

	// Get retrieves a data source by ID, redacted.
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error)

	// GetWithCredentials retrieves a data source with its decrypted password.
	// For internal query execution only.
	GetWithCredentials(ctx context.Context, id uuid.UUID) (*models.DataSource, error)

	// List retrieves all data sources, redacted.
	List(ctx context.Context) ([]*models.DataSource, error)

	// UpdateCredentials rotates username and password and drops the pooled connection.
	UpdateCredentials(ctx context.Context, id uuid.UUID, username, password string) error

	// Delete removes a data source. Fails with a ConflictError while mappings reference it.
	Delete(ctx context.Context, id uuid.UUID) error

	// TestConnection checks that a stored data source is reachable.
	TestConnection(ctx context.Context, id uuid.UUID) error

	// Types lists registered engines and their capabilities.
	Types() []datasource.AdapterInfo
}

// poolInvalidator drops pooled connections of a data source.
type poolInvalidator interface {
	Invalidate(datasourceID uuid.UUID)
}

type dataSourceService struct {
	repo           repositories.DatasourceRepository
	mappingRepo    repositories.MappingRepository
	encryptor      *crypto.CredentialEncryptor
	adapterFactory datasource.AdapterFactory
	pools          poolInvalidator
	logger         *zap.Logger
}

// NewDataSourceService creates a new data source service with dependencies.
// pools may be nil when no connection manager is in use.
func NewDataSourceService(
	repo repositories.DatasourceRepository,
	mappingRepo repositories.MappingRepository,
	encryptor *crypto.CredentialEncryptor,
	adapterFactory datasource.AdapterFactory,
	pools poolInvalidator,
	logger *zap.Logger,
) DataSourceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dataSourceService{
		repo:           repo,
		mappingRepo:    mappingRepo,
		encryptor:      encryptor,
		adapterFactory: adapterFactory,
		pools:          pools,
		logger:         logger.Named("datasources"),
	}
}

func (s *dataSourceService) validate(ds *models.DataSource) error {
	ds.Name = strings.TrimSpace(ds.Name)
	ds.Engine = strings.ToLower(strings.TrimSpace(ds.Engine))
	ds.Host = strings.TrimSpace(ds.Host)
	ds.Database = strings.TrimSpace(ds.Database)
	ds.Username = strings.TrimSpace(ds.Username)
	ds.Schema = strings.TrimSpace(ds.Schema)

	switch {
	case ds.Name == "":
		return apperrors.NewValidationError("name", "is required")
	case ds.Engine == "":
		return apperrors.NewValidationError("engine", "is required")
	case !datasource.IsRegistered(ds.Engine):
		return apperrors.NewValidationError("engine", "unknown engine %q (supported: %s)", ds.Engine, strings.Join(s.engineNames(), ", "))
	case ds.Host == "":
		return apperrors.NewValidationError("host", "is required")
	case ds.Port <= 0 || ds.Port > 65535:
		return apperrors.NewValidationError("port", "must be between 1 and 65535")
	case ds.Database == "":
		return apperrors.NewValidationError("database", "is required")
	case ds.Username == "":
		return apperrors.NewValidationError("username", "is required")
	}

	if ds.Engine == models.EnginePostgres && ds.Schema == "" {
		ds.Schema = "public"
	}
	return nil
}

func (s *dataSourceService) engineNames() []string {
	types := s.adapterFactory.ListTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Type
	}
	return names
}

func (s *dataSourceService) Create(ctx context.Context, ds *models.DataSource) (*models.DataSource, error) {
	if err := s.validate(ds); err != nil {
		return nil, err
	}

	encryptedPassword, err := s.encryptor.Encrypt(ds.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	if err := s.repo.Create(ctx, ds, encryptedPassword); err != nil {
		return nil, err
	}

	s.logger.Info("Created datasource",
		zap.String("id", ds.ID.String()),
		zap.String("name", ds.Name),
		zap.String("engine", ds.Engine),
		zap.String("host", ds.Host),
	)

	return ds.Redacted(), nil
}

func (s *dataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	ds, _, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return ds.Redacted(), nil
}

func (s *dataSourceService) GetWithCredentials(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	ds, encryptedPassword, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	password, err := s.encryptor.Decrypt(encryptedPassword)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("datasource %s: %w", id, apperrors.ErrCredentialsKeyMismatch)
		}
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}
	ds.Password = password
	return ds, nil
}

func (s *dataSourceService) List(ctx context.Context) ([]*models.DataSource, error) {
	datasources, _, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*models.DataSource, len(datasources))
	for i, ds := range datasources {
		result[i] = ds.Redacted()
	}
	return result, nil
}

func (s *dataSourceService) UpdateCredentials(ctx context.Context, id uuid.UUID, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return apperrors.NewValidationError("username", "is required")
	}

	encryptedPassword, err := s.encryptor.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	if err := s.repo.UpdateCredentials(ctx, id, username, encryptedPassword); err != nil {
		return err
	}
	s.invalidate(id)

	s.logger.Info("Rotated datasource credentials", zap.String("id", id.String()))
	return nil
}

func (s *dataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	count, err := s.mappingRepo.CountByDataSource(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.NewConflictError("datasource", "datasource %s is referenced by %d mapping(s)", id, count)
	}

	// The foreign key still guards against a mapping created after the count.
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)

	s.logger.Info("Deleted datasource", zap.String("id", id.String()))
	return nil
}

func (s *dataSourceService) TestConnection(ctx context.Context, id uuid.UUID) error {
	ds, err := s.GetWithCredentials(ctx, id)
	if err != nil {
		return err
	}

	executor, err := s.adapterFactory.NewQueryExecutor(ctx, ds)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer executor.Close()

	if err := executor.TestConnection(ctx); err != nil {
		return apperrors.NewExternalQueryError(ds.Engine, "", fmt.Errorf("connection test failed: %w", err))
	}

	s.logger.Info("Connection test successful",
		zap.String("id", id.String()),
		zap.String("engine", ds.Engine))
	return nil
}

func (s *dataSourceService) Types() []datasource.AdapterInfo {
	return s.adapterFactory.ListTypes()
}

func (s *dataSourceService) invalidate(id uuid.UUID) {
	if s.pools != nil {
		s.pools.Invalidate(id)
	}
}

// Ensure dataSourceService implements DataSourceService at compile time.
var _ DataSourceService = (*dataSourceService)(nil)
