// Package api exposes aggregation, series, status, rate, health, snapshot
// ingestion and machine reset over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/aquaflow/internal/app/aggregate"
	"github.com/ghalamif/aquaflow/internal/app/health"
	"github.com/ghalamif/aquaflow/internal/app/status"
	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

const defaultSeriesLimit = 7

type Aggregator interface {
	Run(ctx context.Context, mode aggregate.Mode, machineID string) (aggregate.Result, error)
	Series(ctx context.Context, machineID string, g domain.Granularity, n int) ([]domain.Bucket, error)
}

type StatusReader interface {
	Current(ctx context.Context, machineID string, view status.View) (status.Result, error)
}

type RateReader interface {
	Rate(ctx context.Context, machineID string) (float64, error)
}

type HealthReader interface {
	Last() (health.Sweep, bool)
	Sweep(ctx context.Context) (health.Sweep, error)
}

type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, s domain.Snapshot) (bool, error)
}

// Deps are the services behind the routes. Nil services answer 503.
type Deps struct {
	Aggregator Aggregator
	Status     StatusReader
	Rate       RateReader
	Health     HealthReader
	Recorder   SnapshotRecorder
	Resetter   ports.Resetter
}

type Handler struct {
	deps   Deps
	obs    ports.Observability
	router *mux.Router

	requestDuration *prometheus.HistogramVec
}

// NewHandler registers its request histogram on reg; a nil reg skips metrics.
func NewHandler(deps Deps, obs ports.Observability, reg prometheus.Registerer) *Handler {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	h := &Handler{deps: deps, obs: obs, router: mux.NewRouter()}
	if reg != nil {
		h.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aqua_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"})
		reg.MustRegister(h.requestDuration)
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	v1 := h.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/aggregations", h.handleAggregate).Methods(http.MethodPost)
	v1.HandleFunc("/machines/{id}/buckets/{granularity}", h.handleBuckets).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{id}/status", h.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{id}/rate", h.handleRate).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{id}/snapshots", h.handleSnapshot).Methods(http.MethodPost)
	v1.HandleFunc("/machines/{id}/data", h.handleReset).Methods(http.MethodDelete)
	v1.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	h.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	h.router.Use(h.instrument)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Router exposes the mux so callers can mount extra routes such as /metrics.
func (h *Handler) Router() *mux.Router {
	return h.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if h.requestDuration != nil {
			h.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		}
		h.obs.LogInfo("request_handled",
			ports.Field{Key: "method", Value: r.Method},
			ports.Field{Key: "route", Value: route},
			ports.Field{Key: "status", Value: rec.status},
			ports.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()})
	})
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Aggregator == nil {
		h.unavailable(w)
		return
	}
	q := r.URL.Query()
	mode, err := aggregate.ParseMode(q.Get("mode"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.deps.Aggregator.Run(r.Context(), mode, q.Get("machine_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleBuckets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Aggregator == nil {
		h.unavailable(w)
		return
	}
	vars := mux.Vars(r)
	g, err := domain.ParseGranularity(vars["granularity"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit := defaultSeriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	buckets, err := h.deps.Aggregator.Series(r.Context(), vars["id"], g, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id":  vars["id"],
		"granularity": g,
		"buckets":     buckets,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		h.unavailable(w)
		return
	}
	view, err := status.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	res, err := h.deps.Status.Current(r.Context(), mux.Vars(r)["id"], view)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rate == nil {
		h.unavailable(w)
		return
	}
	id := mux.Vars(r)["id"]
	rate, err := h.deps.Rate.Rate(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id":      id,
		"source":          domain.SourceEdgeSignal,
		"liters_per_hour": rate,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		h.unavailable(w)
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		sweep, err := h.deps.Health.Sweep(r.Context())
		if err != nil {
			h.obs.LogError("health_sweep_partial", err)
		}
		writeJSON(w, http.StatusOK, sweep)
		return
	}
	sweep, ok := h.deps.Health.Last()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no health sweep has completed yet"})
		return
	}
	writeJSON(w, http.StatusOK, sweep)
}

type snapshotRequest struct {
	WaterLevel *float64      `json:"water_level"`
	CapturedAt time.Time     `json:"captured_at"`
	Flags      *domain.Flags `json:"flags,omitempty"`
	Collector  *float64      `json:"collector,omitempty"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recorder == nil {
		h.unavailable(w)
		return
	}
	var req snapshotRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid snapshot body: " + err.Error()})
		return
	}
	if req.WaterLevel == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "water_level is required"})
		return
	}
	inserted, err := h.deps.Recorder.RecordSnapshot(r.Context(), domain.Snapshot{
		MachineID:  mux.Vars(r)["id"],
		WaterLevel: *req.WaterLevel,
		CapturedAt: req.CapturedAt,
		Flags:      req.Flags,
		Collector:  req.Collector,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if inserted {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]bool{"inserted": inserted})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if h.deps.Resetter == nil {
		h.unavailable(w)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.deps.Resetter.ResetMachine(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnknownMachine):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidGranularity),
		errors.Is(err, domain.ErrNegativeLevel),
		errors.Is(err, domain.ErrMissingTimestamp),
		errors.Is(err, domain.ErrMissingMachine):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		h.obs.LogError("request_failed", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func (h *Handler) unavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service not configured"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
