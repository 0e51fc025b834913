package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/syntheon/crossmetrics/internal/adapter"
	"github.com/syntheon/crossmetrics/internal/config"
	"github.com/syntheon/crossmetrics/internal/correlate"
	"github.com/syntheon/crossmetrics/internal/database"
	"github.com/syntheon/crossmetrics/internal/geo"
	"github.com/syntheon/crossmetrics/internal/metrics"
	"github.com/syntheon/crossmetrics/internal/metricstore"
	"github.com/syntheon/crossmetrics/internal/middleware"
	"github.com/syntheon/crossmetrics/internal/models"
	"github.com/syntheon/crossmetrics/internal/pipeline"
	"github.com/syntheon/crossmetrics/internal/report"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Postgres   *database.PostgresDB
	ClickHouse *database.ClickHouseDB
	Redis      *database.RedisDB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server wraps the HTTP handlers around the pipeline and report builder.
type Server struct {
	runner  *pipeline.Runner
	builder *report.Builder
	logger  *zap.Logger
	config  *config.Config
}

// NewServer constructs an http.Handler with all routes registered. Backends
// that are unavailable at startup degrade to in-memory substitutes.
func NewServer(deps *Dependencies) http.Handler {
	var docs adapter.DocumentStore
	if deps.Postgres != nil {
		docs = adapter.NewPostgresDocumentStore(deps.Postgres.Pool)
	} else {
		docs = adapter.NewMemoryDocumentStore()
	}

	var cols adapter.ColumnStore
	if deps.ClickHouse != nil {
		cols = adapter.NewClickHouseColumnStore(deps.ClickHouse.Conn)
	} else {
		cols = adapter.NewMemoryColumnStore()
	}

	var store metricstore.Store
	if deps.Redis != nil {
		store = metricstore.NewRedisStore(deps.Redis.Client)
	} else {
		store = metricstore.NewMemoryStore()
	}

	var resolver correlate.CountryResolver
	if deps.Config.Geo.Enabled {
		r, err := geo.NewResolver(deps.Config.Geo.DatabasePath, deps.Config.Geo.CacheSize, deps.Config.Geo.CacheTTL)
		if err != nil {
			deps.Logger.Warn("failed to initialize geo resolver, sessions fall back to user country", zap.Error(err))
		} else {
			resolver = r
		}
	}

	correlator := correlate.New(docs, cols, correlate.Options{
		AdapterTimeout: deps.Config.Pipeline.AdapterTimeout,
		RetryBackoff:   deps.Config.Pipeline.RetryBackoff,
		Geo:            resolver,
		Metrics:        deps.Metrics,
	}, deps.Logger)

	s := &Server{
		runner:  pipeline.NewRunner(docs, correlator, store, deps.Config.Pipeline, deps.Logger, deps.Metrics),
		builder: report.NewBuilder(store, deps.Config.Pipeline.TopN, deps.Logger, deps.Metrics),
		logger:  deps.Logger,
		config:  deps.Config,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/report", s.handleReport)
	mux.HandleFunc("/api/v1/refresh", s.handleRefresh)
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.NewAuthMiddleware(deps.Config.Auth, deps.Logger).Handler(handler)
	handler = middleware.NewRateLimitMiddleware(deps.Config.RateLimit, deps.Logger).Handler(handler)
	handler = middleware.NewLoggingMiddleware(deps.Logger).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(deps.Logger).Handler(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReport serves the insight snapshot for a window.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.builder.Build(r.Context(), window)
	if err != nil {
		s.logger.Error("report build failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report build failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRefresh runs the pipeline over a window, refreshing its buckets.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.runner.Run(r.Context(), window)
	if err != nil {
		s.logger.Error("pipeline run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pipeline run failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseWindow reads from/to query params (RFC 3339 or YYYY-MM-DD),
// defaulting to the trailing 30 days.
func parseWindow(r *http.Request) (models.Window, error) {
	now := time.Now().UTC()
	window := models.Window{From: now.AddDate(0, 0, -30).Truncate(24 * time.Hour), To: now}

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return models.Window{}, err
		}
		window.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return models.Window{}, err
		}
		window.To = t
	}
	if !window.From.Before(window.To) {
		return models.Window{}, errInvalidWindow
	}
	return window, nil
}

var errInvalidWindow = &badRequestError{"from must be before to"}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, &badRequestError{"invalid time: " + v}
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
