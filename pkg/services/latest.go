package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/repositories"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

const instrumentationName = "github.com/ekaya-inc/telemetry-mapper/pkg/services"

// LatestService resolves the most recent values of mapped devices.
type LatestService interface {
	// FetchLatestForAllMappings queries every mapping for its newest row inside
	// the lookback window. A nil lookback selects the configured default; the
	// value is clamped to [0, 3650] days. Failing mappings are omitted.
	FetchLatestForAllMappings(ctx context.Context, lookbackDays *int) (models.LatestResult, error)

	// DebugExternalSnapshot returns the resolved query and most recent rows for
	// each mapping of a device.
	DebugExternalSnapshot(ctx context.Context, deviceName string) (*models.DebugSnapshot, error)

	// DebugExternalHistory returns up to limit rows per mapping between from and to.
	DebugExternalHistory(ctx context.Context, deviceName string, from, to time.Time, limit int) (*models.DebugHistory, error)
}

// LatestServiceConfig tunes fan-out and isolation.
type LatestServiceConfig struct {
	DefaultLookbackDays    int
	MaxConcurrentPerSource int
	QueryTimeout           time.Duration
	BreakerFailures        uint32
	BreakerCooldown        time.Duration
}

type latestService struct {
	mappings       repositories.MappingRepository
	dataSources    DataSourceService
	adapterFactory datasource.AdapterFactory
	cache          LatestCache
	cfg            LatestServiceConfig
	now            func() time.Time
	logger         *zap.Logger

	breakersMu sync.Mutex
	breakers   map[uuid.UUID]*gobreaker.CircuitBreaker

	tracer   trace.Tracer
	queries  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewLatestService creates the latest-value resolver. cache may be nil.
func NewLatestService(
	mappings repositories.MappingRepository,
	dataSources DataSourceService,
	adapterFactory datasource.AdapterFactory,
	cache LatestCache,
	cfg LatestServiceConfig,
	logger *zap.Logger,
) LatestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NoopLatestCache{}
	}
	if cfg.MaxConcurrentPerSource <= 0 {
		cfg.MaxConcurrentPerSource = 5
	}
	if cfg.DefaultLookbackDays == 0 {
		cfg.DefaultLookbackDays = sqlbuilder.DefaultLookbackDays
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	s := &latestService{
		mappings:       mappings,
		dataSources:    dataSources,
		adapterFactory: adapterFactory,
		cache:          cache,
		cfg:            cfg,
		now:            time.Now,
		logger:         logger.Named("latest"),
		breakers:       make(map[uuid.UUID]*gobreaker.CircuitBreaker),
		tracer:         otel.Tracer(instrumentationName),
	}
	s.initMetrics(otel.Meter(instrumentationName))
	return s
}

func (s *latestService) initMetrics(meter metric.Meter) {
	queries, err := meter.Int64Counter("telemetry_mapper.latest.queries",
		metric.WithDescription("Latest-value queries by engine and outcome"))
	if err != nil {
		s.logger.Warn("Failed to create latest query counter", zap.Error(err))
		queries, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("noop")
	}
	duration, err := meter.Float64Histogram("telemetry_mapper.latest.query.duration",
		metric.WithDescription("Latest-value query latency"),
		metric.WithUnit("s"))
	if err != nil {
		s.logger.Warn("Failed to create latest query histogram", zap.Error(err))
		duration, _ = noop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("noop")
	}
	s.queries = queries
	s.duration = duration
}

// breaker returns the circuit breaker guarding connections to one data source.
func (s *latestService) breaker(ds *models.DataSource) *gobreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if cb, ok := s.breakers[ds.ID]; ok {
		return cb
	}

	failures := s.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    ds.Name,
		Timeout: s.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("Datasource circuit changed state",
				zap.String("datasource", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	s.breakers[ds.ID] = cb
	return cb
}

// openExecutor acquires an executor through the source's circuit breaker, so
// an unreachable source fails fast once its circuit opens.
func (s *latestService) openExecutor(ctx context.Context, ds *models.DataSource) (datasource.QueryExecutor, error) {
	out, err := s.breaker(ds).Execute(func() (interface{}, error) {
		return s.adapterFactory.NewQueryExecutor(ctx, ds)
	})
	if err != nil {
		return nil, err
	}
	return out.(datasource.QueryExecutor), nil
}

func (s *latestService) FetchLatestForAllMappings(ctx context.Context, lookbackDays *int) (models.LatestResult, error) {
	days := s.cfg.DefaultLookbackDays
	if lookbackDays != nil {
		days = *lookbackDays
	}
	days = sqlbuilder.ClampLookbackDays(days)

	ctx, span := s.tracer.Start(ctx, "latest.FetchLatestForAllMappings",
		trace.WithAttributes(attribute.Int("lookback_days", days)))
	defer span.End()

	if cached, ok := s.cache.Get(ctx, days); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}

	mappings, err := s.mappings.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list mappings")
		return nil, err
	}

	groups := make(map[uuid.UUID][]*models.Mapping)
	for _, m := range mappings {
		groups[m.DataSourceID] = append(groups[m.DataSourceID], m)
	}

	sources := make(map[uuid.UUID]*models.DataSource, len(groups))
	var unsupportedEngine string
	for id, group := range groups {
		ds, err := s.dataSources.GetWithCredentials(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping mappings of unavailable datasource",
				zap.String("datasource_id", id.String()),
				zap.Int("mappings", len(group)),
				zap.Error(err))
			continue
		}
		if !s.adapterFactory.Supports(ds.Engine, datasource.CapabilityLatest) {
			unsupportedEngine = ds.Engine
			s.logger.Warn("Datasource engine does not support latest values",
				zap.String("datasource_id", id.String()),
				zap.String("engine", ds.Engine))
			continue
		}
		sources[id] = ds
	}

	if len(sources) == 0 && unsupportedEngine != "" {
		return nil, apperrors.NewUnsupportedEngineError(unsupportedEngine, string(datasource.CapabilityLatest))
	}

	now := s.now()
	result := make(models.LatestResult)
	var mu sync.Mutex

	var g errgroup.Group
	for id, ds := range sources {
		g.Go(func() error {
			s.resolveSource(ctx, ds, groups[id], days, now, func(device string, v models.LatestValue) {
				mu.Lock()
				defer mu.Unlock()
				result.Merge(device, v)
			})
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("mappings", len(mappings)),
		attribute.Int("devices", len(result)),
	)

	s.cache.Set(ctx, days, result)
	return result, nil
}

// resolveSource runs the latest query of every mapping on one data source with
// bounded concurrency. Failures are isolated per mapping.
func (s *latestService) resolveSource(
	ctx context.Context,
	ds *models.DataSource,
	mappings []*models.Mapping,
	days int,
	now time.Time,
	emit func(device string, v models.LatestValue),
) {
	ctx, span := s.tracer.Start(ctx, "latest.resolveSource", trace.WithAttributes(
		attribute.String("datasource.id", ds.ID.String()),
		attribute.String("datasource.engine", ds.Engine),
		attribute.Int("mappings", len(mappings)),
	))
	defer span.End()

	dialect, err := s.adapterFactory.Dialect(ds.Engine)
	if err != nil {
		span.RecordError(err)
		return
	}

	executor, err := s.openExecutor(ctx, ds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "datasource unreachable")
		s.queries.Add(ctx, int64(len(mappings)), metric.WithAttributes(
			attribute.String("engine", ds.Engine),
			attribute.String("outcome", "unreachable")))
		s.logger.Warn("Datasource unreachable; omitting its devices",
			zap.String("datasource", ds.Name),
			zap.String("datasource_id", ds.ID.String()),
			zap.Error(err))
		return
	}
	defer executor.Close()

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentPerSource)
	for _, m := range mappings {
		g.Go(func() error {
			start := time.Now()
			v, found, err := s.resolveMapping(ctx, executor, dialect, ds, m, days, now)

			outcome := "ok"
			switch {
			case err != nil:
				outcome = "error"
				s.logger.Warn("Latest query failed",
					zap.String("device", m.DeviceName),
					zap.String("datasource", ds.Name),
					zap.Error(err))
			case !found:
				outcome = "empty"
			default:
				emit(m.DeviceName, v)
			}

			attrs := metric.WithAttributes(
				attribute.String("engine", ds.Engine),
				attribute.String("outcome", outcome))
			s.queries.Add(ctx, 1, attrs)
			s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *latestService) resolveMapping(
	ctx context.Context,
	executor datasource.QueryExecutor,
	dialect sqlbuilder.Dialect,
	ds *models.DataSource,
	m *models.Mapping,
	days int,
	now time.Time,
) (models.LatestValue, bool, error) {
	spec, err := sqlbuilder.Build(dialect, m.Target(), sqlbuilder.BuildOptions{
		Mode:          models.QueryModeLatest,
		DefaultSchema: ds.Schema,
		Now:           now,
		LookbackDays:  days,
	})
	if err != nil {
		return models.LatestValue{}, false, err
	}

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	res, err := executor.QueryWithParams(ctx, spec.SQL, spec.Args, spec.Limit)
	if err != nil {
		return models.LatestValue{}, false, err
	}
	if len(res.Rows) == 0 {
		return models.LatestValue{}, false, nil
	}

	return latestValueFromRow(m, ds, spec, res.Rows[0])
}

// latestValueFromRow reports false when the primary value is NaN or infinite,
// and an error when the timestamp cannot be read.
func latestValueFromRow(m *models.Mapping, ds *models.DataSource, spec *models.QuerySpec, row map[string]any) (models.LatestValue, bool, error) {
	values := make(map[string]any, len(spec.ValueColumns))
	for _, c := range spec.ValueColumns {
		values[c] = datasource.FiniteOrNil(row[c])
	}

	primary := m.PrimaryValueColumn
	switch {
	case m.IsPivot():
		primary = m.DeviceIdentifierValue
	case primary == "" && len(spec.ValueColumns) > 0:
		primary = spec.ValueColumns[0]
	}

	value := row[primary]
	if value != nil && datasource.FiniteOrNil(value) == nil {
		return models.LatestValue{}, false, nil
	}

	ts, ok := toTime(row[m.TimestampColumn])
	if !ok {
		return models.LatestValue{}, false, fmt.Errorf("timestamp column %q holds unreadable value %v", m.TimestampColumn, row[m.TimestampColumn])
	}

	return models.LatestValue{
		Value:        value,
		Timestamp:    ts,
		Unit:         m.Unit,
		Values:       values,
		DataSourceID: ds.ID,
		Table:        spec.Table,
	}, true, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// toTime converts a driver timestamp to UTC. Numbers are epoch seconds, or
// epoch milliseconds when too large to be seconds.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return epochToTime(n), true
		}
	case []byte:
		return toTime(string(t))
	case int64:
		return epochToTime(t), true
	case float64:
		return epochToTime(int64(t)), true
	}
	return time.Time{}, false
}

func epochToTime(n int64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func (s *latestService) DebugExternalSnapshot(ctx context.Context, deviceName string) (*models.DebugSnapshot, error) {
	results, err := s.debug(ctx, deviceName, sqlbuilder.BuildOptions{Mode: models.QueryModeSample})
	if err != nil {
		return nil, err
	}
	return &models.DebugSnapshot{DeviceName: strings.TrimSpace(deviceName), Results: results}, nil
}

func (s *latestService) DebugExternalHistory(ctx context.Context, deviceName string, from, to time.Time, limit int) (*models.DebugHistory, error) {
	if to.Before(from) {
		return nil, apperrors.NewValidationError("from", "must not be after to")
	}
	limit = sqlbuilder.ClampLimit(limit, sqlbuilder.DefaultHistoryLimit)

	results, err := s.debug(ctx, deviceName, sqlbuilder.BuildOptions{
		Mode:  models.QueryModeHistory,
		From:  from,
		To:    to,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return &models.DebugHistory{
		DeviceName: strings.TrimSpace(deviceName),
		From:       from.UTC(),
		To:         to.UTC(),
		Limit:      limit,
		Results:    results,
	}, nil
}

// debug runs one query per mapping of a device. Per-mapping failures are
// reported in the result; the call fails only when no mapping's engine
// offers debug queries.
func (s *latestService) debug(ctx context.Context, deviceName string, opts sqlbuilder.BuildOptions) ([]models.DebugMappingResult, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return nil, apperrors.NewValidationError("device_name", "is required")
	}

	ctx, span := s.tracer.Start(ctx, "latest.debug", trace.WithAttributes(
		attribute.String("device", deviceName),
		attribute.String("mode", string(opts.Mode)),
	))
	defer span.End()

	mappings, err := s.mappings.ListByDevice(ctx, deviceName)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, apperrors.NewNotFoundError("mapping", deviceName)
	}

	results := make([]models.DebugMappingResult, 0, len(mappings))
	var unsupportedEngine string
	supported := 0
	for _, m := range mappings {
		r := models.DebugMappingResult{Mapping: m, Rows: []map[string]any{}}

		ds, err := s.dataSources.GetWithCredentials(ctx, m.DataSourceID)
		if err != nil {
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		r.Engine = ds.Engine

		if !s.adapterFactory.Supports(ds.Engine, datasource.CapabilityDebug) {
			unsupportedEngine = ds.Engine
			r.Error = apperrors.NewUnsupportedEngineError(ds.Engine, string(datasource.CapabilityDebug)).Error()
			results = append(results, r)
			continue
		}
		supported++

		s.debugMapping(ctx, ds, m, opts, &r)
		results = append(results, r)
	}

	if supported == 0 && unsupportedEngine != "" {
		return nil, apperrors.NewUnsupportedEngineError(unsupportedEngine, string(datasource.CapabilityDebug))
	}
	return results, nil
}

func (s *latestService) debugMapping(ctx context.Context, ds *models.DataSource, m *models.Mapping, opts sqlbuilder.BuildOptions, r *models.DebugMappingResult) {
	dialect, err := s.adapterFactory.Dialect(ds.Engine)
	if err != nil {
		r.Error = err.Error()
		return
	}

	opts.DefaultSchema = ds.Schema
	spec, err := sqlbuilder.Build(dialect, m.Target(), opts)
	if err != nil {
		r.Error = err.Error()
		return
	}
	r.Query = spec

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	if s.adapterFactory.Supports(ds.Engine, datasource.CapabilityIntrospection) {
		r.Columns = s.describe(ctx, ds, spec.Table)
	}

	executor, err := s.openExecutor(ctx, ds)
	if err != nil {
		r.Error = fmt.Sprintf("datasource unreachable: %v", err)
		return
	}
	defer executor.Close()

	res, err := executor.QueryWithParams(ctx, spec.SQL, spec.Args, spec.Limit)
	if err != nil {
		r.Error = err.Error()
		return
	}
	r.Rows = res.Rows
}

// describe introspects a table for operator context. Errors only drop the columns.
func (s *latestService) describe(ctx context.Context, ds *models.DataSource, table string) []models.ColumnDescriptor {
	introspector, err := s.adapterFactory.NewSchemaIntrospector(ctx, ds)
	if err != nil {
		s.logger.Debug("Schema introspection unavailable", zap.String("datasource", ds.Name), zap.Error(err))
		return nil
	}
	defer introspector.Close()

	columns, err := introspector.DescribeTable(ctx, table)
	if err != nil {
		s.logger.Debug("Failed to describe table",
			zap.String("datasource", ds.Name),
			zap.String("table", table),
			zap.Error(err))
		return nil
	}
	return columns
}

// Ensure latestService implements LatestService at compile time.
var _ LatestService = (*latestService)(nil)
