// Package ingress derives the externally reachable address of a sandbox port.
//
// Two gateway topologies are supported. Wildcard routing gives every
// (sandbox, port) pair its own subdomain and needs a wildcard DNS record and
// certificate. URI routing keeps one host and encodes the sandbox and port as
// path segments, so the gateway must demultiplex by path prefix.
package ingress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
)

// Resolve returns the gateway address for port on sandboxID.
// ok is false when cfg is nil or not in gateway mode.
func Resolve(cfg *domain.IngressConfig, sandboxID string, port int) (endpoint string, ok bool, err error) {
	if cfg == nil || cfg.Mode != domain.IngressModeGateway {
		return "", false, nil
	}
	if cfg.Gateway == nil {
		return "", false, fmt.Errorf("%w: gateway mode without gateway settings", domain.ErrInvalidRouteMode)
	}

	p := strconv.Itoa(port)
	switch cfg.Gateway.Route.Mode {
	case domain.RouteModeWildcard:
		base := strings.TrimPrefix(cfg.Gateway.Address, "*.")
		return sandboxID + "-" + p + "." + base, true, nil
	case domain.RouteModeURI:
		return cfg.Gateway.Address + "/" + sandboxID + "/" + p, true, nil
	default:
		return "", false, fmt.Errorf("%w: %q", domain.ErrInvalidRouteMode, cfg.Gateway.Route.Mode)
	}
}

// ResolveAll resolves every port. It returns nil when no gateway address exists.
func ResolveAll(cfg *domain.IngressConfig, sandboxID string, ports []int) (map[int]string, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	var out map[int]string
	for _, port := range ports {
		endpoint, ok, err := Resolve(cfg, sandboxID, port)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if out == nil {
			out = make(map[int]string, len(ports))
		}
		out[port] = endpoint
	}
	return out, nil
}

// Validate checks cfg at startup so that a bad route mode fails fast instead
// of surfacing on the first request.
func Validate(cfg *domain.IngressConfig) error {
	if cfg == nil {
		return nil
	}
	switch cfg.Mode {
	case "", domain.IngressModeDirect:
		return nil
	case domain.IngressModeGateway:
	default:
		return fmt.Errorf("invalid ingress mode %q", cfg.Mode)
	}
	if cfg.Gateway == nil || cfg.Gateway.Address == "" {
		return fmt.Errorf("%w: gateway address is required in gateway mode", domain.ErrInvalidRouteMode)
	}
	if _, _, err := Resolve(cfg, "validate", 80); err != nil {
		return err
	}
	return nil
}
