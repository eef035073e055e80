package api

import (
	"log/slog"
	"net/http"

	"github.com/bcnelson/sandbox-control-plane/internal/api/handler"
	"github.com/bcnelson/sandbox-control-plane/internal/api/middleware"
	"github.com/bcnelson/sandbox-control-plane/internal/auth"
	"github.com/bcnelson/sandbox-control-plane/internal/service"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Store        storage.Storage
	Lifecycle    *service.Lifecycle
	BootstrapKey string
	// Verifier enables OIDC bearer tokens next to API keys. Optional.
	Verifier auth.TokenVerifier
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes (auth required, JSON Content-Type)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(deps.Store, middleware.AuthOptions{
			BootstrapKey: deps.BootstrapKey,
			Verifier:     deps.Verifier,
			Logger:       logger,
		}))

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(deps.Store, logger)
		r.Post("/keys", keyHandler.Create)
		r.Get("/keys", keyHandler.List)
		r.Delete("/keys/{id}", keyHandler.Delete)

		// Sandboxes
		sandboxHandler := handler.NewSandboxHandler(deps.Lifecycle)
		r.Post("/sandboxes", sandboxHandler.Create)
		r.Get("/sandboxes", sandboxHandler.List)
		r.Route("/sandboxes/{id}", func(r chi.Router) {
			r.Get("/", sandboxHandler.Get)
			r.Delete("/", sandboxHandler.Delete)
			r.Post("/renew-expiration", sandboxHandler.RenewExpiration)
			r.Post("/pause", sandboxHandler.Pause)
			r.Post("/resume", sandboxHandler.Resume)
			r.Get("/endpoints/{port}", sandboxHandler.Endpoint)
		})
	})

	return r
}
