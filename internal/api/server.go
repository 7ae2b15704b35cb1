// Package api exposes the HTTP interface for the knowledge engine: the
// dashboard read endpoints, crawler control, the task state machine, and the
// live event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/config"
	"github.com/serverai/knowledge-engine/internal/dispatcher"
	"github.com/serverai/knowledge-engine/internal/gateway"
	"github.com/serverai/knowledge-engine/internal/registry"
	"github.com/serverai/knowledge-engine/internal/snapshot"
	"github.com/serverai/knowledge-engine/internal/store"
)

// Server wires HTTP handlers to the registry, stores, and stream gateway.
type Server struct {
	router     chi.Router
	registry   *registry.Registry
	articles   store.ArticleStore
	bus        *bus.Bus
	snapshots  *snapshot.Service
	gateway    *gateway.Gateway
	dispatcher *dispatcher.Dispatcher
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. gatherer feeds
// the /metrics endpoint; nil falls back to the default registry.
func NewServer(
	reg *registry.Registry,
	articles store.ArticleStore,
	eventBus *bus.Bus,
	snapshots *snapshot.Service,
	gw *gateway.Gateway,
	disp *dispatcher.Dispatcher,
	gatherer prometheus.Gatherer,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		registry:   reg,
		articles:   articles,
		bus:        eventBus,
		snapshots:  snapshots,
		gateway:    gw,
		dispatcher: disp,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.gateway.ServeWS)

	r.Route("/api", func(r chi.Router) {
		// The websocket route lives outside this group because
		// TimeoutHandler cannot host a hijacked connection.
		r.Use(timeoutMiddleware(60 * time.Second))

		r.Get("/snapshot", s.getSnapshot)
		r.Get("/stats", s.getStats)
		r.Get("/topics", s.getTopics)
		r.Get("/articles/{topic}", s.getArticlesByTopic)
		r.Get("/search", s.searchArticles)
		r.Get("/logs", s.getLogs)

		r.Route("/crawler", func(r chi.Router) {
			r.Get("/status", s.crawlerStatus)
			r.Post("/start", s.crawlerStart)
			r.Post("/stop", s.crawlerStop)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.createTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/start", s.startTask)
				r.Post("/progress", s.reportProgress)
				r.Post("/pause", s.pauseTask)
				r.Post("/resume", s.resumeTask)
				r.Post("/complete", s.completeTask)
				r.Post("/fail", s.failTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.articles.Statistics(r.Context()); err != nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
