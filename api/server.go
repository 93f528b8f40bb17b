// Package api exposes the engine over an admin HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/engine"
	"github.com/o-tero/tiered-cache/pkg/middleware"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config controls the HTTP server.
type Config struct {
	Addr           string
	RatePerSecond  float64 // per client IP; <=0 disables limiting
	Burst          int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		RatePerSecond:  200,
		Burst:          400,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
}

// Server is the admin API.
type Server struct {
	config  Config
	engine  *engine.Engine
	logger  *zap.Logger
	limiter *middleware.RateLimiter
	router  *chi.Mux
	http    *http.Server
}

// NewServer builds the router over eng.
func NewServer(cfg Config, eng *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	s := &Server{
		config:  cfg,
		engine:  eng,
		logger:  logger.Named("api"),
		limiter: middleware.NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.RegisterRoutes(s.router)
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.RateLimit(s.limiter, middleware.KeyByIP))
	if s.config.RequestTimeout > 0 {
		s.router.Use(chimiddleware.Timeout(s.config.RequestTimeout))
	}
}

// RegisterRoutes registers every admin route on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", s.engine.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.GetStats)

		r.Route("/cache", func(r chi.Router) {
			r.Post("/clear", s.ClearCache)
			r.Post("/invalidate", s.Invalidate)
			r.Get("/{key}", s.GetEntry)
			r.Put("/{key}", s.PutEntry)
			r.Delete("/{key}", s.DeleteEntry)
		})

		r.Route("/invalidations", func(r chi.Router) {
			r.Get("/", s.ListInvalidations)
			r.Get("/stats", s.GetInvalidationStats)
			r.Delete("/", s.PruneInvalidations)
		})

		r.Post("/access", s.RecordAccess)

		r.Route("/warmup", func(r chi.Router) {
			r.Get("/stats", s.GetWarmupStats)
			r.Post("/", s.ScheduleWarmup)
			r.Get("/tasks/{id}", s.GetWarmupTask)
			r.Post("/users/{userID}", s.WarmUser)
		})

		r.Get("/dashboard", s.GetDashboard)
		r.Get("/metrics/export", s.ExportMetrics)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.ListAlerts)
			r.Post("/{id}/resolve", s.ResolveAlert)
		})
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("admin api listening", zap.String("addr", s.config.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}
