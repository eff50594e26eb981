package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"search-indexer/internal/admin"
	"search-indexer/internal/logger"
	"search-indexer/internal/ratelimit"
	"search-indexer/internal/telemetry"
)

// Checker reports whether one dependency is usable.
type Checker func(ctx context.Context) error

// Server wires HTTP handlers for the admin API.
type Server struct {
	admin   *admin.Service
	tokens  TokenSet
	limiter ratelimit.Limiter
	checks  map[string]Checker
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(svc *admin.Service, tokens TokenSet, limiter ratelimit.Limiter, checks map[string]Checker, logger *slog.Logger) *Server {
	return &Server{
		admin:   svc,
		tokens:  tokens,
		limiter: limiter,
		checks:  checks,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.correlation)
	r.Use(s.recovery)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.With(requirePermission(PermRead)).Get("/reindex", s.handleIndexStatus)
		r.With(requirePermission(PermWrite)).Post("/reindex", s.handleReindex)

		r.Route("/queue", func(r chi.Router) {
			r.With(requirePermission(PermRead)).Get("/stats", s.handleQueueStats)
			r.With(requirePermission(PermRead)).Get("/failed", s.handleListFailed)
			r.With(requirePermission(PermWrite)).Post("/failed/retry", s.handleRetryFailed)
			r.With(requirePermission(PermWrite)).Delete("/{name}", s.handleClearQueue)
		})

		r.With(requirePermission(PermWrite)).Post("/products/{id}/index", s.handleIndexProduct)
	})
	return r
}

// correlation carries the request id into the logging context.
func (s *Server) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetReqID(r.Context())
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logger.WithCorrelationID(r.Context(), id)))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithContext(r.Context(), s.logger).Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeErrorCode(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := readyResponse{Status: "up", Checks: make(map[string]string, len(s.checks))}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Status = "down"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "up"
	}
	code := http.StatusOK
	if resp.Status != "up" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
