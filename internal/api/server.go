package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-ingest/internal/cycle"
	"github.com/JakeFAU/opendata-ingest/internal/ingest"
	"github.com/JakeFAU/opendata-ingest/internal/metrics"
	"github.com/JakeFAU/opendata-ingest/internal/registry"
	"github.com/JakeFAU/opendata-ingest/internal/telemetry"
)

const requestTimeout = 30 * time.Second

// Sources is the registry surface the API mutates.
type Sources interface {
	List() []ingest.Source
	Add(pageURL, storeName string) (ingest.Source, error)
	Remove(pageURL string) error
}

// Cycles runs cycles on demand.
type Cycles interface {
	Trigger(ctx context.Context) (cycle.Summary, error)
	LastSummary() (cycle.Summary, bool)
}

// ReadyCheck reports whether downstream dependencies are reachable.
type ReadyCheck func(ctx context.Context) error

// Config toggles optional server behavior.
type Config struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey string
}

// Server wires HTTP handlers to the registry and the scheduler.
type Server struct {
	router  chi.Router
	sources Sources
	cycles  Cycles
	ready   ReadyCheck
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(sources Sources, cycles Cycles, ready ReadyCheck, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sources: sources,
		cycles:  cycles,
		ready:   ready,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/sources", s.listSources)
			r.Post("/sources", s.addSource)
			r.Delete("/sources", s.removeSource)
			r.Get("/cycles/last", s.lastCycle)
		})
		// Cycle triggers block until every link is processed.
		r.Post("/cycles", s.runCycle)
		r.Get("/download", s.download)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceRequest struct {
	URL   string `json:"url"`
	Store string `json:"store"`
}

type sourceResponse struct {
	URL   string `json:"url"`
	Store string `json:"store"`
}

func toSourceResponse(src ingest.Source) sourceResponse {
	return sourceResponse{URL: src.PageURL, Store: src.StoreName}
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	list := s.sources.List()
	out := make([]sourceResponse, 0, len(list))
	for _, src := range list {
		out = append(out, toSourceResponse(src))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	src, err := s.sources.Add(req.URL, strings.TrimSpace(req.Store))
	switch {
	case errors.Is(err, registry.ErrSourceExists):
		writeError(w, http.StatusConflict, "source already registered")
		return
	case errors.Is(err, registry.ErrInvalidSource), errors.Is(err, ingest.ErrInvalidStoreName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("add source failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "add source failed")
		return
	}
	s.logger.Info("source added", zap.String("url", src.PageURL), zap.String("store", src.StoreName))
	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	pageURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if pageURL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := s.sources.Remove(pageURL); err != nil {
		if errors.Is(err, registry.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "remove source failed")
		return
	}
	s.logger.Info("source removed", zap.String("url", pageURL))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cycles.Trigger(r.Context())
	if err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) lastCycle(w http.ResponseWriter, _ *http.Request) {
	summary, ok := s.cycles.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no cycle has completed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// download requires a url parameter but, like the service it replaces, runs
// the cycle over every registered source.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("url") == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	summary, err := s.cycles.Trigger(r.Context())
	if err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "cycle": summary})
}

func (s *Server) writeTriggerError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("cycle interrupted", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cycle interrupted")
		return
	}
	s.logger.Error("cycle failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "cycle failed")
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				w.Header().Set("WWW-Authenticate", `APIKey realm="ingest"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
