package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/api"
	"github.com/bcnelson/sandbox-control-plane/internal/auth"
	"github.com/bcnelson/sandbox-control-plane/internal/config"
	"github.com/bcnelson/sandbox-control-plane/internal/expiration"
	"github.com/bcnelson/sandbox-control-plane/internal/metrics"
	"github.com/bcnelson/sandbox-control-plane/internal/runtime"
	"github.com/bcnelson/sandbox-control-plane/internal/service"
	"github.com/bcnelson/sandbox-control-plane/internal/storage/sql"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	root := &cobra.Command{
		Use:           "sandbox-server",
		Short:         "Sandbox lifecycle control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "driver", cfg.Database.Driver)
			return store.Close()
		},
	}
}

// setup loads and validates configuration and installs the JSON logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.Level()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(cfg *config.Config) (*sql.Store, error) {
	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == sql.DriverSQLite {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	}
	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var notifier runtime.Notifier = runtime.NewLogNotifier(logger)
	var nc *natsgo.Conn
	if cfg.NATS.URL != "" {
		nc, err = runtime.Connect(cfg.NATS.URL, "sandbox-server", logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		notifier = runtime.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix, cfg.NATS.GateRenewals, cfg.NATS.RenewTimeout, logger)
	}

	lifecycle := newLifecycle(store, cfg, notifier, m, logger)

	if nc != nil {
		sub, err := runtime.NewStateListener(lifecycle, logger).Subscribe(ctx, nc, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("subscribing to runtime state: %w", err)
		}
		defer sub.Unsubscribe()
	}

	return serve(ctx, cfg, store, lifecycle, reg, logger)
}

func newLifecycle(store *sql.Store, cfg *config.Config, notifier runtime.Notifier, m *metrics.Metrics, logger *slog.Logger) *service.Lifecycle {
	return service.NewLifecycle(store, service.Options{
		Policy:  expiration.Policy{MaxHorizon: cfg.Expiration.MaxRenewHorizon},
		Ingress: cfg.Routing,
		Runtime: notifier,
		Metrics: m,
		Logger:  logger,
	})
}

// serve runs the HTTP server and the reaper until ctx is cancelled, then
// shuts the server down gracefully.
func serve(ctx context.Context, cfg *config.Config, store *sql.Store, lifecycle *service.Lifecycle, reg *prometheus.Registry, logger *slog.Logger) error {
	var verifier auth.TokenVerifier
	if cfg.OIDC.Enabled {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.GetAllowedDomains())
		if err != nil {
			return err
		}
		verifier = v
		logger.Info("OIDC bearer tokens enabled", "issuer", cfg.OIDC.IssuerURL)
	}

	router := api.NewRouter(api.Deps{
		Store:        store,
		Lifecycle:    lifecycle,
		BootstrapKey: cfg.Auth.BootstrapAPIKey,
		Verifier:     verifier,
		Gatherer:     reg,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	reaper := service.NewReaper(lifecycle, cfg.Reaper.Interval, cfg.Reaper.TerminatedRetention, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting sandbox server", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
