package ingress

import (
	"testing"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateway(address, route string) *domain.IngressConfig {
	return &domain.IngressConfig{
		Mode: domain.IngressModeGateway,
		Gateway: &domain.GatewayConfig{
			Address: address,
			Route:   domain.GatewayRouteModeConfig{Mode: route},
		},
	}
}

func TestResolveNoGateway(t *testing.T) {
	for _, cfg := range []*domain.IngressConfig{nil, {Mode: domain.IngressModeDirect}} {
		endpoint, ok, err := Resolve(cfg, "sid", 8080)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, endpoint)
	}
}

func TestResolveWildcard(t *testing.T) {
	endpoint, ok, err := Resolve(gateway("*.example.com", domain.RouteModeWildcard), "sid", 8080)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sid-8080.example.com", endpoint)

	endpoint, _, err = Resolve(gateway("sandbox.example.com", domain.RouteModeWildcard), "sid", 3000)
	require.NoError(t, err)
	assert.Equal(t, "sid-3000.sandbox.example.com", endpoint)
}

func TestResolveURI(t *testing.T) {
	endpoint, ok, err := Resolve(gateway("gateway.example.com", domain.RouteModeURI), "sid", 9000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gateway.example.com/sid/9000", endpoint)
}

func TestResolveInvalidRouteMode(t *testing.T) {
	_, ok, err := Resolve(gateway("gateway.example.com", "header"), "sid", 9000)
	assert.ErrorIs(t, err, domain.ErrInvalidRouteMode)
	assert.False(t, ok)

	_, _, err = Resolve(&domain.IngressConfig{Mode: domain.IngressModeGateway}, "sid", 9000)
	assert.ErrorIs(t, err, domain.ErrInvalidRouteMode)
}

func TestResolveAll(t *testing.T) {
	endpoints, err := ResolveAll(gateway("*.example.com", domain.RouteModeWildcard), "sid", []int{80, 8080})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{80: "sid-80.example.com", 8080: "sid-8080.example.com"}, endpoints)

	endpoints, err = ResolveAll(&domain.IngressConfig{Mode: domain.IngressModeDirect}, "sid", []int{80})
	require.NoError(t, err)
	assert.Nil(t, endpoints)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(&domain.IngressConfig{Mode: domain.IngressModeDirect}))
	assert.NoError(t, Validate(gateway("*.example.com", domain.RouteModeWildcard)))
	assert.NoError(t, Validate(gateway("gw.example.com", domain.RouteModeURI)))

	assert.ErrorIs(t, Validate(gateway("gw.example.com", "path")), domain.ErrInvalidRouteMode)
	assert.ErrorIs(t, Validate(gateway("", domain.RouteModeURI)), domain.ErrInvalidRouteMode)
	assert.Error(t, Validate(&domain.IngressConfig{Mode: "mesh"}))
}
