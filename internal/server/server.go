// Package server wires the HTTP API, health checks and metrics into one router
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/pkg/api"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Server represents the HTTP server
type Server struct {
	cfg      *config.Config
	manager  *scrapemeter.Manager
	logger   scrapemeter.Logger
	router   chi.Router
	gatherer prometheus.Gatherer
}

// Options are the collaborators of a Server
type Options struct {
	Manager *scrapemeter.Manager
	Scraper api.Scraper
	Logger  scrapemeter.Logger

	// Gatherer backs the metrics endpoint (default: prometheus.DefaultGatherer)
	Gatherer prometheus.Gatherer
}

// New creates a server instance
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = &scrapemeter.NoopLogger{}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		manager:  opts.Manager,
		logger:   opts.Logger,
		router:   chi.NewRouter(),
		gatherer: opts.Gatherer,
	}

	handler, err := api.NewHandler(api.Config{
		Manager:    opts.Manager,
		Scraper:    opts.Scraper,
		UpgradeURL: cfg.Server.UpgradeURL,
		AdminToken: cfg.Server.AdminToken,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api handler: %w", err)
	}

	s.setupMiddleware()
	s.setupRoutes(handler)
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(requestID)
	s.router.Use(s.recoverer)
	s.router.Use(s.requestLogger)
}

func (s *Server) setupRoutes(handler *api.Handler) {
	s.router.Get("/health", s.health)
	s.router.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	if s.cfg.Metrics.Enabled {
		s.router.Method(http.MethodGet, s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	handler.Register(s.router)
}

// health reports whether the ledger answers
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if _, err := s.manager.Now(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":%q}`+"\n", status)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server started", scrapemeter.Field{Key: "addr", Value: httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic serving request",
					scrapemeter.Field{Key: "path", Value: r.URL.Path},
					scrapemeter.Field{Key: "request_id", Value: RequestIDFromContext(r.Context())},
					scrapemeter.Field{Key: "panic", Value: fmt.Sprint(rec)},
				)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs HTTP requests
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			scrapemeter.Field{Key: "method", Value: r.Method},
			scrapemeter.Field{Key: "path", Value: r.URL.Path},
			scrapemeter.Field{Key: "status", Value: ww.Status()},
			scrapemeter.Field{Key: "bytes", Value: ww.BytesWritten()},
			scrapemeter.Field{Key: "latency", Value: time.Since(start).String()},
			scrapemeter.Field{Key: "request_id", Value: RequestIDFromContext(r.Context())},
		)
	})
}
