package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/repositories"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// CreateMappingRequest is the payload for committing a mapping.
// Force skips the live verification step.
type CreateMappingRequest struct {
	DeviceName            string    `json:"device_name"`
	DataSourceID          uuid.UUID `json:"data_source_id"`
	TableName             string    `json:"table_name"`
	DeviceIDColumn        string    `json:"device_id_column"`
	DeviceIdentifierValue string    `json:"device_identifier_value"`
	TimestampColumn       string    `json:"timestamp_column"`
	ValueColumns          []string  `json:"value_columns"`
	PrimaryValueColumn    string    `json:"primary_value_column"`
	Unit                  string    `json:"unit"`
	Force                 bool      `json:"force"`
}

// MappingService defines the interface for the mapping catalog.
type MappingService interface {
	// Verify runs a bounded sample query for a proposed mapping. It never
	// returns an error: failures are reported as {ok:false, error}.
	Verify(ctx context.Context, target models.MappingTarget) *models.VerifyResult

	// Create validates, verifies unless forced, and stores a mapping.
	// A second mapping for the same device and data source is a ConflictError.
	Create(ctx context.Context, req *CreateMappingRequest) (*models.Mapping, error)

	// Replace overwrites the mapping for (device_name, data_source_id).
	Replace(ctx context.Context, req *CreateMappingRequest) (*models.Mapping, error)

	// List returns all mappings.
	List(ctx context.Context) ([]*models.Mapping, error)

	// ListByDevice returns the mappings of one device.
	ListByDevice(ctx context.Context, deviceName string) ([]*models.Mapping, error)

	// Delete removes the mapping of a device on a data source.
	Delete(ctx context.Context, deviceName string, dataSourceID uuid.UUID) error
}

type mappingService struct {
	repo           repositories.MappingRepository
	dataSources    DataSourceService
	adapterFactory datasource.AdapterFactory
	cache          LatestCache
	queryTimeout   time.Duration
	logger         *zap.Logger
}

// NewMappingService creates a new mapping service. cache may be nil.
func NewMappingService(
	repo repositories.MappingRepository,
	dataSources DataSourceService,
	adapterFactory datasource.AdapterFactory,
	cache LatestCache,
	queryTimeout time.Duration,
	logger *zap.Logger,
) MappingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NoopLatestCache{}
	}
	return &mappingService{
		repo:           repo,
		dataSources:    dataSources,
		adapterFactory: adapterFactory,
		cache:          cache,
		queryTimeout:   queryTimeout,
		logger:         logger.Named("mappings"),
	}
}

func (s *mappingService) Verify(ctx context.Context, target models.MappingTarget) *models.VerifyResult {
	target = normalizeTarget(target)

	if err := sqlbuilder.ValidateTarget(target); err != nil {
		return &models.VerifyResult{OK: false, Error: err.Error()}
	}

	ds, err := s.dataSources.GetWithCredentials(ctx, target.DataSourceID)
	if err != nil {
		return &models.VerifyResult{OK: false, Error: err.Error()}
	}

	dialect, err := s.adapterFactory.Dialect(ds.Engine)
	if err != nil {
		return &models.VerifyResult{OK: false, Error: err.Error()}
	}

	spec, err := sqlbuilder.Build(dialect, target, sqlbuilder.BuildOptions{
		Mode:          models.QueryModeSample,
		DefaultSchema: ds.Schema,
	})
	if err != nil {
		return &models.VerifyResult{OK: false, Error: err.Error()}
	}

	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	executor, err := s.adapterFactory.NewQueryExecutor(ctx, ds)
	if err != nil {
		return &models.VerifyResult{OK: false, SQL: spec.SQL, Error: err.Error()}
	}
	defer executor.Close()

	result, err := executor.QueryWithParams(ctx, spec.SQL, spec.Args, spec.Limit)
	if err != nil {
		s.logger.Debug("Mapping verification failed",
			zap.String("datasource_id", ds.ID.String()),
			zap.String("table", target.TableName),
			zap.Error(err))
		return &models.VerifyResult{OK: false, SQL: spec.SQL, Error: verifyErrorMessage(err)}
	}

	rows := result.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return &models.VerifyResult{OK: true, Rows: rows, SQL: spec.SQL}
}

// verifyErrorMessage prefers the driver message; the SQL is reported separately.
func verifyErrorMessage(err error) string {
	var extErr *apperrors.ExternalQueryError
	if errors.As(err, &extErr) {
		return extErr.DriverMessage()
	}
	return err.Error()
}

func (s *mappingService) Create(ctx context.Context, req *CreateMappingRequest) (*models.Mapping, error) {
	m, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	// Fast path; the unique index closes the race between check and insert.
	if _, err := s.repo.Get(ctx, m.DeviceName, m.DataSourceID); err == nil {
		return nil, apperrors.NewConflictError("mapping", "device %q already mapped on datasource %s", m.DeviceName, m.DataSourceID)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	if !req.Force {
		if err := s.verifyForCommit(ctx, m); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx)

	s.logger.Info("Created mapping",
		zap.String("id", m.ID.String()),
		zap.String("device", m.DeviceName),
		zap.String("datasource_id", m.DataSourceID.String()),
		zap.Bool("pivot", m.IsPivot()),
		zap.Bool("forced", req.Force),
	)
	return m, nil
}

func (s *mappingService) Replace(ctx context.Context, req *CreateMappingRequest) (*models.Mapping, error) {
	m, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if !req.Force {
		if err := s.verifyForCommit(ctx, m); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Replace(ctx, m); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx)

	s.logger.Info("Replaced mapping",
		zap.String("id", m.ID.String()),
		zap.String("device", m.DeviceName),
		zap.String("datasource_id", m.DataSourceID.String()),
	)
	return m, nil
}

func (s *mappingService) verifyForCommit(ctx context.Context, m *models.Mapping) error {
	result := s.Verify(ctx, m.Target())
	if !result.OK {
		return apperrors.NewValidationError("mapping", "verification failed: %s", result.Error)
	}
	return nil
}

// prepare normalizes a request into a Mapping and enforces the catalog invariants.
func (s *mappingService) prepare(ctx context.Context, req *CreateMappingRequest) (*models.Mapping, error) {
	m := &models.Mapping{
		DeviceName:            strings.TrimSpace(req.DeviceName),
		DataSourceID:          req.DataSourceID,
		TableName:             strings.TrimSpace(req.TableName),
		DeviceIDColumn:        strings.TrimSpace(req.DeviceIDColumn),
		DeviceIdentifierValue: strings.TrimSpace(req.DeviceIdentifierValue),
		TimestampColumn:       strings.TrimSpace(req.TimestampColumn),
		ValueColumns:          trimAll(req.ValueColumns),
		PrimaryValueColumn:    strings.TrimSpace(req.PrimaryValueColumn),
		Unit:                  strings.TrimSpace(req.Unit),
	}

	if m.DeviceName == "" {
		return nil, apperrors.NewValidationError("device_name", "is required")
	}
	if m.DataSourceID == uuid.Nil {
		return nil, apperrors.NewValidationError("data_source_id", "is required")
	}

	if m.IsPivot() {
		m.DeviceIDColumn = models.PivotSentinel
		if len(m.ValueColumns) == 0 {
			m.ValueColumns = []string{m.DeviceIdentifierValue}
		}
		if len(m.ValueColumns) != 1 || m.ValueColumns[0] != m.DeviceIdentifierValue {
			return nil, apperrors.NewValidationError("value_columns", "pivot mappings must use [%q]", m.DeviceIdentifierValue)
		}
	}

	if err := sqlbuilder.ValidateTarget(m.Target()); err != nil {
		return nil, err
	}

	if m.PrimaryValueColumn == "" {
		m.PrimaryValueColumn = m.ValueColumns[0]
	}
	if !slices.Contains(m.ValueColumns, m.PrimaryValueColumn) {
		return nil, apperrors.NewValidationError("primary_value_column", "%q is not one of value_columns", m.PrimaryValueColumn)
	}

	for _, finding := range sqlbuilder.CheckTargetValues(m.Target()) {
		s.logger.Warn("Mapping value looks like SQL injection; it is bound as a parameter",
			zap.String("device", m.DeviceName),
			zap.String("field", finding.Field),
			zap.String("fingerprint", finding.Fingerprint))
	}

	// Surface a missing data source as NotFound before touching the catalog.
	if _, err := s.dataSources.Get(ctx, m.DataSourceID); err != nil {
		return nil, err
	}

	return m, nil
}

func (s *mappingService) List(ctx context.Context) ([]*models.Mapping, error) {
	return s.repo.List(ctx)
}

func (s *mappingService) ListByDevice(ctx context.Context, deviceName string) ([]*models.Mapping, error) {
	return s.repo.ListByDevice(ctx, deviceName)
}

func (s *mappingService) Delete(ctx context.Context, deviceName string, dataSourceID uuid.UUID) error {
	if err := s.repo.Delete(ctx, deviceName, dataSourceID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx)

	s.logger.Info("Deleted mapping",
		zap.String("device", deviceName),
		zap.String("datasource_id", dataSourceID.String()))
	return nil
}

// normalizeTarget trims a proposed target and applies the pivot rule that the
// device's own column is its only value column.
func normalizeTarget(t models.MappingTarget) models.MappingTarget {
	t.TableName = strings.TrimSpace(t.TableName)
	t.DeviceIDColumn = strings.TrimSpace(t.DeviceIDColumn)
	t.DeviceIdentifierValue = strings.TrimSpace(t.DeviceIdentifierValue)
	t.TimestampColumn = strings.TrimSpace(t.TimestampColumn)
	t.ValueColumns = trimAll(t.ValueColumns)
	if t.IsPivot() {
		t.DeviceIDColumn = models.PivotSentinel
		t.ValueColumns = []string{t.DeviceIdentifierValue}
	}
	return t
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Ensure mappingService implements MappingService at compile time.
var _ MappingService = (*mappingService)(nil)
