package domain

// Ingress modes.
const (
	IngressModeDirect  = "direct"
	IngressModeGateway = "gateway"
)

// Gateway route modes.
const (
	RouteModeWildcard = "wildcard"
	RouteModeURI      = "uri"
)

// IngressConfig is the process-wide routing configuration.
// It is read once at startup and never mutated afterwards.
type IngressConfig struct {
	Mode    string         `toml:"mode" json:"mode"`
	Gateway *GatewayConfig `toml:"gateway" json:"gateway,omitempty"`
}

// GatewayConfig describes the gateway that fronts sandbox ports.
type GatewayConfig struct {
	// Address is a domain (wildcard mode, e.g. "*.sandbox.example.com") or a host (uri mode).
	Address string                 `toml:"address" json:"address"`
	Route   GatewayRouteModeConfig `toml:"route" json:"route"`
}

// GatewayRouteModeConfig selects how the gateway demultiplexes sandbox traffic.
type GatewayRouteModeConfig struct {
	Mode string `toml:"mode" json:"mode"`
}
