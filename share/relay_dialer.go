package prshare

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// ClientRelaySubProtocol is the websocket sub-protocol offered by the
	// client side of a tunnel when connecting to the relay
	ClientRelaySubProtocol = "tunnel-relay-client"

	// HostRelaySubProtocol is the websocket sub-protocol offered by the host
	// side of a tunnel when connecting to the relay
	HostRelaySubProtocol = "tunnel-relay-host"

	// TunnelAuthScheme is the Authorization header scheme carrying the relay
	// access token on the upgrade request
	TunnelAuthScheme = "tunnel"

	// TunnelPolicyHeader is the response header with which the relay reports
	// authorization policies the presented token did not satisfy
	TunnelPolicyHeader = "X-Tunnel-Policy"

	relayHandshakeTimeout = 45 * time.Second
)

// DialRelay performs the HTTP upgrade to a relay endpoint and returns the
// tunnel byte stream it carries. subProtocol selects the tunnel role
// (ClientRelaySubProtocol or HostRelaySubProtocol); accessToken, if nonempty,
// is sent as "Authorization: tunnel <accessToken>".
//
// If the relay answers with anything other than 101 Switching Protocols, the
// returned error is a *RelayConnectionRefusedError carrying the HTTP status
// and any policy requirements the relay reported. ctx cancellation aborts an
// in-progress handshake.
func DialRelay(ctx context.Context, logger Logger, relayURI string, subProtocol string, accessToken string) (*WebSocketConn, error) {
	uri := relayURI
	if strings.HasPrefix(uri, "http:") {
		uri = "ws:" + strings.TrimPrefix(uri, "http:")
	} else if strings.HasPrefix(uri, "https:") {
		uri = "wss:" + strings.TrimPrefix(uri, "https:")
	}

	hdr := http.Header{}
	if accessToken != "" {
		hdr.Set("Authorization", TunnelAuthScheme+" "+accessToken)
	}

	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: relayHandshakeTimeout,
		Subprotocols:     []string{subProtocol},
	}
	logger.DLogf("Dialing relay %s (%s)", uri, subProtocol)
	wsConn, resp, err := d.DialContext(ctx, uri, hdr)
	if err != nil {
		if err == websocket.ErrBadHandshake && resp != nil {
			refused := &RelayConnectionRefusedError{
				StatusCode:         resp.StatusCode,
				PolicyRequirements: parsePolicyHeader(resp.Header.Get(TunnelPolicyHeader)),
			}
			resp.Body.Close()
			logger.DLogf("%s", refused.Error())
			return nil, refused
		}
		return nil, logger.DLogErrorf("Relay dial failed: %s", err)
	}
	if got := wsConn.Subprotocol(); got != subProtocol {
		logger.WLogf("Relay negotiated sub-protocol %q, wanted %q", got, subProtocol)
	}
	return NewWebSocketConn(wsConn), nil
}

func parsePolicyHeader(v string) []string {
	if v == "" {
		return nil
	}
	var policies []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			policies = append(policies, p)
		}
	}
	return policies
}
