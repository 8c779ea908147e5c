// Package api exposes the orchestrator over HTTP: scan submission for the
// publish pipeline, scan inspection, admin decisions and health probes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/eclipse/openvsx-scan-orchestrator/internal/app/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/config"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/otel"
)

// ScanService is the part of the orchestrator the handlers use.
type ScanService interface {
	StartScan(ctx context.Context, cmd appscanning.SubmitScanCommand) (*domain.Scan, error)
	GetScanDetails(ctx context.Context, scanID int64) (*appscanning.ScanDetails, error)
	AdminAllowScan(ctx context.Context, scanID int64, admin string) (*appscanning.ScanDetails, error)
	ListScanners() []domain.Scanner
}

// QueueStats reports task counts per status.
type QueueStats interface {
	Stats(ctx context.Context) (map[queue.TaskStatus]int, error)
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build       string
	ServiceName string
	// Debug mounts the statsviz runtime dashboard under /debug/statsviz.
	Debug bool

	Scans ScanService
	Queue QueueStats
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready   func(ctx context.Context) error
	Metrics Metrics

	Log    *logger.Logger
	Tracer trace.Tracer
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	cfg     Config
	router  *chi.Mux
	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(cfg.ServiceName))

	s := &Server{
		cfg:     cfg,
		router:  r,
		logger:  cfg.Log.With("component", "api"),
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)

	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			ctx := r.Context()
			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)

			s.metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
			s.metrics.ObserveRequestDuration(ctx, r.Method, route, elapsed)
			s.logger.Info(ctx, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", elapsed,
				"trace_id", otel.GetTraceID(ctx),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) routes() error {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/scans", s.handleSubmitScan)
		r.Get("/scans/{scanID}", s.handleGetScan)
		r.Post("/admin/scans/{scanID}/allow", s.handleAllowScan)

		r.Get("/scanners", s.handleListScanners)
		r.Get("/queue/stats", s.handleQueueStats)
	})

	if s.cfg.Debug {
		debug := http.NewServeMux()
		if err := statsviz.Register(debug); err != nil {
			return err
		}
		s.router.Mount("/debug", debug)
	}
	return nil
}

// Run serves on cfg's address until ctx is cancelled, then shuts down
// gracefully within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context, cfg config.APIConfig) error {
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "API server started", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info(ctx, "API server stopped")
	return nil
}
