// Package api is the thin HTTP layer over the scan scheduler and event hub.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/api/health"
	"github.com/ahrav/volscan/internal/api/scanning"
	"github.com/ahrav/volscan/internal/api/stream"
	"github.com/ahrav/volscan/internal/config"
	domain "github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/otel"
)

// Deps are the collaborators the routes are bound to.
type Deps struct {
	Build     string
	Scheduler scanning.Service
	History   domain.HistoryReader
	Hub       stream.Hub
	// ReadyChecks run on every readiness probe.
	ReadyChecks map[string]health.Check
}

// Server serves the v1 API.
type Server struct {
	cfg     config.Config
	logger  *logger.Logger
	router  *chi.Mux
	tracer  trace.Tracer
	metrics APIMetrics
}

// NewServer builds the router and binds every route.
func NewServer(cfg config.Config, deps Deps, metrics APIMetrics, log *logger.Logger, tracer trace.Tracer) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		logger:  log,
		router:  r,
		tracer:  tracer,
		metrics: metrics,
	}

	r.Route("/v1", func(r chi.Router) {
		health.Routes(r, health.Config{
			Build:  deps.Build,
			Log:    log,
			Checks: deps.ReadyChecks,
		})
		scanning.Routes(r, scanning.Config{
			Log:          log,
			Service:      deps.Scheduler,
			History:      deps.History,
			Metrics:      metrics,
			RetryAfter:   cfg.Scan.QueueTimeout,
			HistoryLimit: cfg.History.RecentLimit,
		})
		stream.Routes(r, stream.Config{
			Log:            log,
			Hub:            deps.Hub,
			AllowedOrigins: cfg.Hub.AllowedOrigins,
		})
	})

	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "volscan.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func loggerMiddleware(log *logger.Logger, metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
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
				metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
				metrics.ObserveRequestDuration(ctx, r.Method, route, elapsed)

				log.Info(ctx, "Request completed",
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
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        s.cfg.Server.Addr,
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// Must cover a synchronous scan's queue wait plus its measurement.
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
