package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aaronlmathis/kaptn-relay/internal/ingest"
	relaymw "github.com/aaronlmathis/kaptn-relay/internal/middleware"
	"github.com/aaronlmathis/kaptn-relay/internal/registry"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
	"github.com/aaronlmathis/kaptn-relay/internal/timeseries"
	"github.com/aaronlmathis/kaptn-relay/internal/version"
)

// ElementSource is the read side of the ingestion client
type ElementSource interface {
	Elements() []ingest.Element
	Element(localID string) (ingest.Element, bool)
	Series(localID string, code taxonomy.MetricCode, since time.Time) ([]timeseries.Point, error)
	HealthSnapshot() timeseries.HealthSnapshot
	FinestResolution() time.Duration
}

// RegistrySource is the read side of the registration cache
type RegistrySource interface {
	Entries() []registry.Entry
	Len() int
	Timeout() time.Duration
}

// Server serves the relay's read-only HTTP surface
type Server struct {
	logger   *zap.Logger
	router   chi.Router
	elements ElementSource
	registry RegistrySource
	http     *http.Server
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, addr string, elements ElementSource, reg RegistrySource) *Server {
	s := &Server{
		logger:   logger,
		router:   chi.NewRouter(),
		elements: elements,
		registry: reg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	cacheSeconds := int(s.elements.FinestResolution() / time.Second)
	if cacheSeconds < 1 {
		cacheSeconds = 1
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(relaymw.RequestIDResponseMiddleware)
	s.router.Use(relaymw.PrometheusMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(relaymw.NewETagMiddleware(s.logger, cacheSeconds).Middleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/taxonomy", s.handleTaxonomy)
		r.Get("/elements", s.handleListElements)
		r.Get("/elements/{id}", s.handleGetElement)
		r.Get("/elements/{id}/series/{metric}", s.handleGetSeries)
		r.Get("/registry", s.handleRegistry)
		r.Get("/timeseries/health", s.handleTimeSeriesHealth)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) handleTaxonomy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"elementKinds": taxonomy.ElementKinds(),
		"metricCodes":  taxonomy.MetricCodes(),
	})
}
