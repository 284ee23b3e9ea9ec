// Package api is the contactd HTTP surface: pass and ground-track queries,
// ground stations, mission submission and the inbound webhooks.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/auth"
	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/cmdspec"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/health"
	"github.com/jumiknows/AleasatV2-sub002/internal/httputil"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/passes"
	"github.com/jumiknows/AleasatV2-sub002/internal/scheduler"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
	"github.com/jumiknows/AleasatV2-sub002/internal/stream"
)

// JobQueue is the part of the job queue the API needs.
type JobQueue interface {
	Create(kind string, payload any, delay time.Duration) (jobqueue.Job, error)
	Get(id string) (jobqueue.Job, error)
}

// Deps are the services behind the routes. Specs and Stream may be nil.
type Deps struct {
	Store      store.Store
	Ephemeris  *ephemeris.Store
	Predictor  *passes.Predictor
	Reconciler *passes.Reconciler
	Scheduler  *scheduler.Scheduler
	Jobs       JobQueue
	Specs      *cmdspec.Registry
	Stream     *stream.Handler
	Clock      clock.Clock
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, d Deps, authCfg auth.Config, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(d, authCfg, logger),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(d Deps, authCfg auth.Config, logger *slog.Logger) http.Handler {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(d.Ephemeris.Ready))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/groundstations", createStationHandler(logger, d))
	mux.HandleFunc("GET /api/v1/groundstations", listStationsHandler(logger, d))
	mux.HandleFunc("GET /api/v1/groundstations/{id}", getStationHandler(logger, d))
	mux.HandleFunc("GET /api/v1/groundstations/{id}/passes", stationPassesHandler(logger, d))
	mux.HandleFunc("GET /api/v1/passes", findPassesHandler(logger, d))
	mux.HandleFunc("GET /api/v1/passes/{id}/history", passHistoryHandler(logger, d))
	mux.HandleFunc("GET /api/v1/groundtrack", groundTrackHandler(logger, d))

	mux.HandleFunc("POST /api/v1/missions", submitMissionHandler(logger, d))
	mux.HandleFunc("GET /api/v1/missions", listMissionsHandler(logger, d))
	mux.HandleFunc("GET /api/v1/missions/{id}", getMissionHandler(logger, d))
	mux.HandleFunc("DELETE /api/v1/missions/{id}", cancelMissionHandler(logger, d))
	mux.HandleFunc("GET /api/v1/jobs/{id}", getJobHandler(logger, d))

	mux.HandleFunc("GET /api/v1/ephemeris", ephemerisStatusHandler(logger, d))
	mux.HandleFunc("POST /api/v1/ephemeris/refresh", operatorsOnly(refreshEphemerisHandler(logger, d)))
	mux.HandleFunc("POST /api/v1/webhooks/queue-mission", operatorsOnly(queueMissionHandler(logger, d)))
	mux.HandleFunc("POST /api/v1/webhooks/ephemeris-updated", operatorsOnly(ephemerisUpdatedHandler(logger, d)))

	if d.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/missions", d.Stream.HandleMissions)
	}

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)
	return handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, false),
			)
		})
	}
}

// operatorsOnly rejects callers outside the operators group.
func operatorsOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !id.InGroup(auth.GroupOperators) {
			writeError(w, http.StatusForbidden, "operators only")
			return
		}
		next(w, r)
	}
}
