// Package api is the HTTP surface: audit queue, verification, questions,
// lineage, ingestion and direct aggregation.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/aggregate"
	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/ingest"
	"github.com/sells-group/docverify/internal/lineage"
	"github.com/sells-group/docverify/internal/store"
)

// Deps are the services the handlers call.
type Deps struct {
	Store        store.Store
	Audit        *audit.Manager
	Orchestrator *answer.Orchestrator
	Answers      *answer.Service
	Aggregator   *aggregate.Engine
	Lineage      *lineage.Service
	Ingester     *ingest.Ingester
}

// Server routes HTTP requests to Deps.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router.
func NewServer(d Deps, cfg config.ServerConfig) *Server {
	s := &Server{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", headerUserID, headerOrgID},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeoutSecs > 0 {
			r.Use(middleware.Timeout(time.Duration(cfg.RequestTimeoutSecs) * time.Second))
		}
		r.Get("/audit-queue", s.auditQueue)
		r.Get("/audit-queue/next", s.auditNext)
		r.Post("/verify", s.verify)
		r.Post("/verify-batch", s.verifyBatch)
		r.Post("/fields/{id}/reset", s.resetField)
		r.Post("/ask", s.ask)
		r.Get("/documents", s.queryDocuments)
		r.Get("/documents/{id}", s.getDocument)
		r.Post("/documents", s.ingest)
		r.Post("/aggregate", s.aggregate)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
