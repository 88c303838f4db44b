package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/model"
	"github.com/audun/patchsilence/internal/store"
)

// RunReporter exposes the most recent run's report.
type RunReporter interface {
	LastRun() (model.RunReport, bool)
}

// Server is the read-only operational endpoint served in daemon mode:
// health, metrics, the current ledger and the last run report.
type Server struct {
	router  chi.Router
	logger  zerolog.Logger
	windows store.WindowStore
	runs    RunReporter
}

func NewServer(logger zerolog.Logger, windows store.WindowStore, runs RunReporter) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.With().Str("component", "status").Logger(),
		windows: windows,
		runs:    runs,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/windows", s.handleWindows)
		r.Get("/last-run", s.handleLastRun)
	})

	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := s.windows.SelectAll(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("ledger read failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if windows == nil {
		windows = []model.MaintenanceWindow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": windows})
}

func (s *Server) handleLastRun(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.runs.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed runs yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs each request with its id, status and duration.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := middleware.GetReqID(r.Context())
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
