// Package tunnels is a client for the tunnel management service: the HTTP
// API that owns tunnel records, their relay endpoints, and the access tokens
// that gate connections to them.
package tunnels

// Access token scopes recognized by the management service and the relay
const (
	// ScopeConnect permits connecting to a tunnel as a client
	ScopeConnect = "connect"

	// ScopeHost permits attaching to a tunnel as a host
	ScopeHost = "host"
)

// ConnectionModeTunnelRelay marks endpoints reachable through the tunnel
// relay service
const ConnectionModeTunnelRelay = "TunnelRelay"

// TunnelEndpoint describes one relay attachment of a tunnel host. A host
// creates an endpoint when it comes online; clients use the endpoint's relay
// URI to reach it.
type TunnelEndpoint struct {
	// HostID identifies the host that published this endpoint
	HostID string `json:"hostId"`

	// ConnectionMode is how the endpoint is reached; currently always
	// ConnectionModeTunnelRelay
	ConnectionMode string `json:"connectionMode"`

	// ClientRelayURI is the relay URI clients connect to
	ClientRelayURI string `json:"clientRelayUri,omitempty"`

	// HostRelayURI is the relay URI the host itself attaches to
	HostRelayURI string `json:"hostRelayUri,omitempty"`
}

// TunnelPort is a port the tunnel's host shares
type TunnelPort struct {
	PortNumber uint16 `json:"portNumber"`
	Protocol   string `json:"protocol,omitempty"`
}

// Tunnel is a tunnel record as the management service returns it
type Tunnel struct {
	TunnelID    string `json:"tunnelId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Endpoints lists the relay attachments of the tunnel's online hosts;
	// empty when no host is online
	Endpoints []TunnelEndpoint `json:"endpoints,omitempty"`

	// Ports lists the ports the tunnel is configured to share
	Ports []TunnelPort `json:"ports,omitempty"`

	// AccessTokens maps requested scopes to freshly minted tokens. Only
	// present when the request asked for token scopes.
	AccessTokens map[string]string `json:"accessTokens,omitempty"`
}
