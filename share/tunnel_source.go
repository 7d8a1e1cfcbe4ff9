package prshare

import (
	"context"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

// TunnelEndpointSource obtains relay endpoints and access tokens from the
// tunnel management service, re-fetching the tunnel record on every call so
// reconnects see current endpoints and a fresh token
type TunnelEndpointSource struct {
	client   *tunnels.Client
	tunnelID string
}

// NewTunnelEndpointSource creates an EndpointSource backed by the management
// service
func NewTunnelEndpointSource(client *tunnels.Client, tunnelID string) *TunnelEndpointSource {
	return &TunnelEndpointSource{client: client, tunnelID: tunnelID}
}

// TunnelAccess implements EndpointSource
func (s *TunnelEndpointSource) TunnelAccess(ctx context.Context, role TunnelRole) (*TunnelAccess, error) {
	scope := tunnels.ScopeConnect
	if role == TunnelRoleHost {
		scope = tunnels.ScopeHost
	}
	tunnel, err := s.client.GetTunnel(ctx, s.tunnelID, &tunnels.GetTunnelOptions{
		TokenScopes: []string{scope},
	})
	if err != nil {
		return nil, err
	}
	access := &TunnelAccess{
		Endpoints:   make([]RelayEndpoint, len(tunnel.Endpoints)),
		AccessToken: tunnel.AccessTokens[scope],
	}
	for i, ep := range tunnel.Endpoints {
		access.Endpoints[i] = RelayEndpoint{
			HostID:         ep.HostID,
			ConnectionMode: ep.ConnectionMode,
			ClientRelayURI: ep.ClientRelayURI,
			HostRelayURI:   ep.HostRelayURI,
		}
	}
	return access, nil
}

// StaticEndpointSource serves a fixed endpoint set and token. Handy when the
// relay URIs are known out of band and no management service is involved.
type StaticEndpointSource struct {
	Access TunnelAccess
}

// TunnelAccess implements EndpointSource
func (s *StaticEndpointSource) TunnelAccess(ctx context.Context, role TunnelRole) (*TunnelAccess, error) {
	access := s.Access
	access.Endpoints = append([]RelayEndpoint(nil), s.Access.Endpoints...)
	return &access, nil
}
