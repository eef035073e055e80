package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/ingress"
	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	Ingress    IngressConfig
	Expiration ExpirationConfig
	Reaper     ReaperConfig
	NATS       NATSConfig
	OIDC       OIDCConfig

	// Routing is the merged ingress configuration, nil when no mode is set.
	Routing *domain.IngressConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/sandboxes.db"`
}

// AuthConfig holds API key configuration.
type AuthConfig struct {
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY"`
}

// IngressConfig holds ingress settings. File names a TOML document with an
// [ingress] table; the other fields override it when set.
type IngressConfig struct {
	File           string `env:"INGRESS_CONFIG_FILE"`
	Mode           string `env:"INGRESS_MODE"`
	GatewayAddress string `env:"INGRESS_GATEWAY_ADDRESS"`
	RouteMode      string `env:"INGRESS_GATEWAY_ROUTE_MODE"`
}

// ExpirationConfig bounds renewals.
type ExpirationConfig struct {
	MaxRenewHorizon time.Duration `env:"MAX_RENEW_HORIZON" envDefault:"0s"`
}

// ReaperConfig controls the background expiry sweep.
type ReaperConfig struct {
	Interval            time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	TerminatedRetention time.Duration `env:"TERMINATED_RETENTION" envDefault:"24h"`
}

// NATSConfig holds the runtime bus settings. An empty URL disables the bus.
type NATSConfig struct {
	URL           string        `env:"NATS_URL"`
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"sandbox"`
	GateRenewals  bool          `env:"NATS_GATE_RENEWALS" envDefault:"false"`
	RenewTimeout  time.Duration `env:"NATS_RENEW_TIMEOUT" envDefault:"2s"`
}

// OIDCConfig holds OIDC bearer-token verification settings.
type OIDCConfig struct {
	Enabled        bool   `env:"OIDC_ENABLED" envDefault:"false"`
	IssuerURL      string `env:"OIDC_ISSUER_URL"`
	ClientID       string `env:"OIDC_CLIENT_ID"`
	AllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"`
}

// GetAllowedDomains returns the allowed email domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

type ingressFile struct {
	Ingress domain.IngressConfig `toml:"ingress"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("parsing auth config: %w", err)
	}
	if err := env.Parse(&cfg.Ingress); err != nil {
		return nil, fmt.Errorf("parsing ingress config: %w", err)
	}
	if err := env.Parse(&cfg.Expiration); err != nil {
		return nil, fmt.Errorf("parsing expiration config: %w", err)
	}
	if err := env.Parse(&cfg.Reaper); err != nil {
		return nil, fmt.Errorf("parsing reaper config: %w", err)
	}
	if err := env.Parse(&cfg.NATS); err != nil {
		return nil, fmt.Errorf("parsing nats config: %w", err)
	}
	if err := env.Parse(&cfg.OIDC); err != nil {
		return nil, fmt.Errorf("parsing oidc config: %w", err)
	}

	routing, err := cfg.Ingress.resolve()
	if err != nil {
		return nil, err
	}
	cfg.Routing = routing

	return cfg, nil
}

// resolve merges the ingress file with the environment overrides.
// The result is nil when neither sets a mode.
func (c *IngressConfig) resolve() (*domain.IngressConfig, error) {
	var merged domain.IngressConfig
	if c.File != "" {
		var f ingressFile
		if _, err := toml.DecodeFile(c.File, &f); err != nil {
			return nil, fmt.Errorf("reading ingress config %s: %w", c.File, err)
		}
		merged = f.Ingress
	}

	if c.Mode != "" {
		merged.Mode = c.Mode
	}
	if c.GatewayAddress != "" || c.RouteMode != "" {
		if merged.Gateway == nil {
			merged.Gateway = &domain.GatewayConfig{}
		}
		if c.GatewayAddress != "" {
			merged.Gateway.Address = c.GatewayAddress
		}
		if c.RouteMode != "" {
			merged.Gateway.Route.Mode = c.RouteMode
		}
	}

	if merged.Mode == "" {
		return nil, nil
	}
	return &merged, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Level maps LOG_LEVEL onto a slog level.
func (c *ServerConfig) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	if err := ingress.Validate(c.Routing); err != nil {
		return err
	}

	if c.Expiration.MaxRenewHorizon < 0 {
		return fmt.Errorf("MAX_RENEW_HORIZON must not be negative")
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive")
	}
	if c.Reaper.TerminatedRetention < 0 {
		return fmt.Errorf("TERMINATED_RETENTION must not be negative")
	}
	if c.NATS.URL != "" && c.NATS.GateRenewals && c.NATS.RenewTimeout <= 0 {
		return fmt.Errorf("NATS_RENEW_TIMEOUT must be positive when renewals are gated")
	}

	// Validate OIDC config when enabled
	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC_ISSUER_URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC is enabled")
		}
	}

	return nil
}
