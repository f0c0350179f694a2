package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/services"
)

// LatestHandler serves resolved latest values and the operator debug views.
type LatestHandler struct {
	latestService  services.LatestService
	requestTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewLatestHandler creates a new latest handler. A positive requestTimeout
// bounds each request's total fan-out.
func NewLatestHandler(latestService services.LatestService, requestTimeout time.Duration, logger *zap.Logger) *LatestHandler {
	return &LatestHandler{
		latestService:  latestService,
		requestTimeout: requestTimeout,
		now:            time.Now,
		logger:         logger,
	}
}

// RegisterRoutes registers the latest handler's routes on the given mux.
func (h *LatestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/latest", h.Latest)
	mux.HandleFunc("GET /api/debug/external/{deviceName}", h.DebugSnapshot)
	mux.HandleFunc("GET /api/debug/external/{deviceName}/history", h.DebugHistory)
}

func (h *LatestHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.requestTimeout > 0 {
		return context.WithTimeout(r.Context(), h.requestTimeout)
	}
	return context.WithCancel(r.Context())
}

// Latest handles GET /api/latest?lookbackDays=N
// Returns 501 when no mapped engine resolves latest values.
func (h *LatestHandler) Latest(w http.ResponseWriter, r *http.Request) {
	lookback, ok := parseOptionalInt(w, r, "lookbackDays", h.logger)
	if !ok {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	result, err := h.latestService.FetchLatestForAllMappings(ctx, lookback)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "resolve latest values", http.StatusNotImplemented)
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// DebugSnapshot handles GET /api/debug/external/{deviceName}
func (h *LatestHandler) DebugSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	snapshot, err := h.latestService.DebugExternalSnapshot(ctx, r.PathValue("deviceName"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load debug snapshot", http.StatusBadRequest)
		return
	}

	if err := WriteJSON(w, http.StatusOK, snapshot); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// DebugHistory handles GET /api/debug/external/{deviceName}/history?from=&to=&limit=
// from and to are epoch milliseconds and default to 0 and now.
func (h *LatestHandler) DebugHistory(w http.ResponseWriter, r *http.Request) {
	from, ok := h.parseEpochMillis(w, r, "from", time.UnixMilli(0))
	if !ok {
		return
	}
	to, ok := h.parseEpochMillis(w, r, "to", h.now())
	if !ok {
		return
	}
	limit, ok := parseOptionalInt(w, r, "limit", h.logger)
	if !ok {
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	ctx, cancel := h.context(r)
	defer cancel()

	history, err := h.latestService.DebugExternalHistory(ctx, r.PathValue("deviceName"), from, to, n)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load debug history", http.StatusBadRequest)
		return
	}

	if err := WriteJSON(w, http.StatusOK, history); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *LatestHandler) parseEpochMillis(w http.ResponseWriter, r *http.Request, name string, def time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def.UTC(), true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if err := ErrorResponse(w, r, http.StatusBadRequest, "invalid_"+name, name+" must be epoch milliseconds"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
