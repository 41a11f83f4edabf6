package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zepia/keygate/internal/billing"
	"github.com/zepia/keygate/internal/handler"
	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/metrics"
	"github.com/zepia/keygate/internal/openapi"
	"github.com/zepia/keygate/internal/server/middleware"
	"github.com/zepia/keygate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimit       int   // admission requests per minute per IP, 0 disables
	MaxBodySize     int64 // bytes
	BaseURL         string
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		RateLimit:       120,
		MaxBodySize:     1 << 20, // 1MB
	}
}

// Deps are the services the routes are served by. Metrics may be nil.
type Deps struct {
	Store      keystore.Store
	Admission  *service.Admission
	Reconciler *service.Reconciler
	Auth       *service.AuthService
	Verifier   *billing.Verifier
	Metrics    *metrics.Metrics
}

// Server is the top-level HTTP server for keygate. It owns the chi router
// and the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	doc        *openapi3.T
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.doc = openapi.Generate(s.mode(), cfg.Version, cfg.BaseURL)
	s.setupRouter()
	return s
}

func (s *Server) mode() service.Mode {
	return s.deps.Admission.Config().Mode
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(middleware.MaxBody(s.cfg.MaxBodySize))

	sys := handler.NewSystemHandler(s.cfg.Version, s.mode(), s.deps.Store)

	// --- Probes, metrics and docs (no auth required) ---
	r.Get("/healthz", sys.Healthz)
	r.Get("/readyz", sys.Readyz)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.doc).ServeSpec)

	// --- Billing provider webhook ---
	webhook := handler.NewWebhookHandler(s.deps.Verifier, s.deps.Reconciler, s.deps.Metrics, s.logger)
	r.Post("/webhook", webhook.Receive)

	// --- Client admission API ---
	adm := handler.NewAdmissionHandler(s.deps.Admission, s.deps.Metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/app", sys.App)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.cfg.RateLimit))

			r.Get("/users/{accessKey}", adm.GetUser)
			switch s.mode() {
			case service.ModeSession:
				r.Post("/sessions", adm.Bind)
				r.Post("/sessions/unbind", adm.Unbind)
				r.Post("/sessions/validate", adm.Validate)
			default:
				r.Post("/auth/login", adm.Login)
				r.Post("/auth/logout", adm.Logout)
			}
		})
	})

	// --- Operator API ---
	admin := handler.NewAdminHandler(s.deps.Store, s.deps.Reconciler, s.deps.Admission.Config().StoreTimeout)
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.Authenticate(s.deps.Auth))

		r.Get("/keys", admin.ListKeys)
		r.Post("/keys", admin.GrantKey)
		r.Get("/keys/{accessKey}", admin.GetKey)
		r.Post("/customers/{customerRef}/cancel", admin.CancelCustomer)
	})

	s.router = r
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests. The key store is left open for the caller to close.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "mode", s.mode().String())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
