package prshare

// Wire framing for the port-forwarding sub-protocol. Request and channel-open
// bodies are encoded with ssh.Marshal, which lays out UTF-8 strings as a
// 4-byte big-endian length followed by the bytes, and integers as 4-byte
// big-endian unsigned values. The encoding must stay bit-exact with peer
// implementations, so these structs must not gain, lose, or reorder fields.

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

const (
	// PortForwardRequestName is the global request asking the peer to begin
	// forwarding a port. The body is a PortForwardRequest.
	PortForwardRequestName = "tcpip-forward"

	// CancelPortForwardRequestName is the global request asking the peer to
	// stop forwarding a port. The body is a PortForwardRequest.
	CancelPortForwardRequestName = "cancel-tcpip-forward"

	// RefreshPortsRequestName is the global request asking the peer to
	// re-advertise its forwarded ports. The body is empty.
	RefreshPortsRequestName = "RefreshPorts"

	// KeepAliveRequestName is the global request used as a liveness probe.
	// The body is empty; only the reply matters.
	KeepAliveRequestName = "ping"

	// ForwardedChannelType is the channel type opened by the party that bound
	// a listener for a forwarded port, when a connection lands on it. The open
	// payload is a PortForwardChannelOpen.
	ForwardedChannelType = "forwarded-tcpip"

	// DirectChannelType is the channel type opened for point-to-point
	// forwarding to a specific port, with no listener involved. The open
	// payload is a PortForwardChannelOpen.
	DirectChannelType = "direct-tcpip"
)

// PortForwardRequest is the body of "tcpip-forward" and "cancel-tcpip-forward"
// global requests: the address and port the requester wants forwarded.
type PortForwardRequest struct {
	Address string
	Port    uint32
}

// Marshal encodes the request body for the wire
func (m *PortForwardRequest) Marshal() []byte {
	return ssh.Marshal(m)
}

// UnmarshalPortForwardRequest decodes a "tcpip-forward" or
// "cancel-tcpip-forward" request body
func UnmarshalPortForwardRequest(data []byte) (*PortForwardRequest, error) {
	m := &PortForwardRequest{}
	if err := ssh.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("malformed port forward request body: %w", err)
	}
	return m, nil
}

// PortForwardSuccess is the reply payload to a successful "tcpip-forward"
// request, reporting the port the responder actually bound. A Port of 0 means
// the responder accepted the request but could not bind any local port.
type PortForwardSuccess struct {
	Port uint32
}

// Marshal encodes the reply payload for the wire
func (m *PortForwardSuccess) Marshal() []byte {
	return ssh.Marshal(m)
}

// UnmarshalPortForwardSuccess decodes a "tcpip-forward" reply payload
func UnmarshalPortForwardSuccess(data []byte) (*PortForwardSuccess, error) {
	m := &PortForwardSuccess{}
	if err := ssh.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("malformed port forward reply body: %w", err)
	}
	return m, nil
}

// PortForwardChannelOpen is the open payload for "forwarded-tcpip" and
// "direct-tcpip" channels: the forwarded destination the channel should be
// connected to, plus the address and port of the originating peer.
type PortForwardChannelOpen struct {
	DestAddress   string
	DestPort      uint32
	OriginAddress string
	OriginPort    uint32
}

// Marshal encodes the channel open payload for the wire
func (m *PortForwardChannelOpen) Marshal() []byte {
	return ssh.Marshal(m)
}

// UnmarshalPortForwardChannelOpen decodes a "forwarded-tcpip" or
// "direct-tcpip" channel open payload
func UnmarshalPortForwardChannelOpen(data []byte) (*PortForwardChannelOpen, error) {
	m := &PortForwardChannelOpen{}
	if err := ssh.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("malformed port forward channel open payload: %w", err)
	}
	return m, nil
}
