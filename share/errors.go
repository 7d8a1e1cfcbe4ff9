package prshare

import (
	"fmt"
	"strings"
)

// RelayConnectionRefusedError is returned when the relay service refuses a
// websocket connection attempt at the HTTP level, before a tunnel session can
// be established. StatusCode is the HTTP status returned by the relay.
// PolicyRequirements, if present, lists authorization policies reported by the
// relay that the supplied token did not satisfy.
type RelayConnectionRefusedError struct {
	StatusCode         int
	PolicyRequirements []string
}

func (e *RelayConnectionRefusedError) Error() string {
	msg := fmt.Sprintf("relay refused connection (HTTP %d)", e.StatusCode)
	if len(e.PolicyRequirements) > 0 {
		msg += ": unmet policies: " + strings.Join(e.PolicyRequirements, ", ")
	}
	return msg
}

// SessionClosedError is returned from operations attempted on a tunnel session
// that has closed. Cause, if not nil, is the error that tore the session down.
type SessionClosedError struct {
	Cause error
}

func (e *SessionClosedError) Error() string {
	if e.Cause == nil {
		return "tunnel session is closed"
	}
	return fmt.Sprintf("tunnel session is closed: %v", e.Cause)
}

func (e *SessionClosedError) Unwrap() error {
	return e.Cause
}

// ChannelOpenRejectedError is returned when the remote peer rejects a request
// to open a tunnel channel. Reason and Message carry the peer's rejection
// code and description.
type ChannelOpenRejectedError struct {
	ChannelType string
	Reason      uint32
	Message     string
}

func (e *ChannelOpenRejectedError) Error() string {
	return fmt.Sprintf("peer rejected %q channel open (reason %d): %s", e.ChannelType, e.Reason, e.Message)
}

// PortForwardRejectedError is returned when the remote peer refuses a port
// forward request outright, at the transport level.
type PortForwardRejectedError struct {
	Port uint16
}

func (e *PortForwardRejectedError) Error() string {
	return fmt.Sprintf("peer rejected forwarding of port %d", e.Port)
}

// PortForwardUnavailableError is returned when the remote peer accepted a port
// forward request but reported that it could not actually bind a local port
// for it. The forward is not active and was not registered.
type PortForwardUnavailableError struct {
	Port uint16
}

func (e *PortForwardUnavailableError) Error() string {
	return fmt.Sprintf("peer could not bind a local port to forward port %d", e.Port)
}

// DuplicatePortError is returned when a forwarded port registry entry is added
// for a remote port number that already has an entry.
type DuplicatePortError struct {
	Port uint16
}

func (e *DuplicatePortError) Error() string {
	return fmt.Sprintf("port %d is already forwarded", e.Port)
}

// NoTunnelHostsError is returned when connecting to a tunnel that has no
// host endpoints registered, so there is nothing to connect to.
type NoTunnelHostsError struct{}

func (e *NoTunnelHostsError) Error() string {
	return "the tunnel has no host connections; try connecting again once a host is online"
}

// AmbiguousTunnelHostsError is returned when a tunnel unexpectedly reports
// more than one host endpoint and the caller gave no way to choose among them.
type AmbiguousTunnelHostsError struct {
	HostCount int
}

func (e *AmbiguousTunnelHostsError) Error() string {
	return fmt.Sprintf("the tunnel has %d host connections; cannot determine which to connect to", e.HostCount)
}
