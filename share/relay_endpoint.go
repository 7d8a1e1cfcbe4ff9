package prshare

import (
	"context"
)

// ConnectionModeRelay marks endpoints reachable through the relay service.
// Other connection modes may appear in tunnel documents; this engine only
// speaks the relay mode.
const ConnectionModeRelay = "TunnelRelay"

// RelayEndpoint identifies one reachable path to a tunnel host, as reported
// by the tunnel management service. Immutable once obtained.
type RelayEndpoint struct {
	HostID         string
	ConnectionMode string
	ClientRelayURI string
	HostRelayURI   string
}

// TunnelAccess is what one side needs to reach a tunnel: the endpoints
// currently registered for it and a bearer token scoped to the caller's role.
type TunnelAccess struct {
	Endpoints   []RelayEndpoint
	AccessToken string
}

// EndpointSource supplies fresh tunnel endpoints and access tokens, typically
// by querying the tunnel management service. It is re-consulted whenever a
// connection attempt needs a new endpoint or suspects its token has expired.
type EndpointSource interface {
	TunnelAccess(ctx context.Context, role TunnelRole) (*TunnelAccess, error)
}

// selectClientEndpoint picks the relay endpoint a client should connect to.
// hostID, when nonempty, selects among multiple hosts sharing the tunnel.
// The selection fails, before any network I/O, with *NoTunnelHostsError when
// the tunnel has no host connections to offer, and with
// *AmbiguousTunnelHostsError when more than one candidate remains and hostID
// does not single one out.
func selectClientEndpoint(endpoints []RelayEndpoint, hostID string) (RelayEndpoint, error) {
	grouped := make(map[string][]RelayEndpoint)
	var hostOrder []string
	for _, ep := range endpoints {
		if _, seen := grouped[ep.HostID]; !seen {
			hostOrder = append(hostOrder, ep.HostID)
		}
		grouped[ep.HostID] = append(grouped[ep.HostID], ep)
	}

	var group []RelayEndpoint
	if hostID != "" {
		group = grouped[hostID]
		if group == nil {
			return RelayEndpoint{}, &NoTunnelHostsError{}
		}
	} else {
		if len(hostOrder) == 0 {
			return RelayEndpoint{}, &NoTunnelHostsError{}
		}
		if len(hostOrder) > 1 {
			return RelayEndpoint{}, &AmbiguousTunnelHostsError{HostCount: len(hostOrder)}
		}
		group = grouped[hostOrder[0]]
	}

	var candidates []RelayEndpoint
	for _, ep := range group {
		if ep.ConnectionMode == ConnectionModeRelay && ep.ClientRelayURI != "" {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return RelayEndpoint{}, &NoTunnelHostsError{}
	}
	if len(candidates) > 1 {
		return RelayEndpoint{}, &AmbiguousTunnelHostsError{HostCount: len(candidates)}
	}
	return candidates[0], nil
}

// selectHostEndpoint picks the relay endpoint a host should park at: the
// first relay-mode endpoint that carries a host URI
func selectHostEndpoint(endpoints []RelayEndpoint) (RelayEndpoint, error) {
	for _, ep := range endpoints {
		if ep.ConnectionMode == ConnectionModeRelay && ep.HostRelayURI != "" {
			return ep, nil
		}
	}
	return RelayEndpoint{}, &NoTunnelHostsError{}
}
