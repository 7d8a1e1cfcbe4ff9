package prshare

import (
	"context"
	"net"
	"strconv"
)

// channelOpener is the slice of TunnelSession needed to open outbound
// forwarding channels
type channelOpener interface {
	OpenChannel(ctx context.Context, channelType string, open *PortForwardChannelOpen) (*TunnelConn, error)
}

// maxPortBindAttempts is the number of consecutive port numbers tried,
// starting at the requested port, before falling back to an OS-assigned
// ephemeral port
const maxPortBindAttempts = 10

// listenWithPortConflictRetry binds a TCP listener for a requested port,
// tolerating conflicts: it tries requestedPort, requestedPort+1, and so on for
// maxPortBindAttempts ports, then falls back to an OS-assigned ephemeral port.
// Returns the listener and the port actually bound.
func listenWithPortConflictRetry(logger Logger, address string, requestedPort uint16) (net.Listener, uint16, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	var firstErr error
	for attempt := 0; attempt < maxPortBindAttempts; attempt++ {
		candidate := int(requestedPort) + attempt
		if candidate > 65535 {
			break
		}
		listener, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(candidate)))
		if err == nil {
			// report the port from the listener, not the candidate, so a
			// requested port of 0 reports the ephemeral port the OS chose
			return listener, uint16(listener.Addr().(*net.TCPAddr).Port), nil
		}
		if firstErr == nil {
			firstErr = err
		}
		logger.DLogf("Bind of %s:%d failed (%s); trying next port", address, candidate, err)
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(address, "0"))
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return nil, 0, logger.DLogErrorf("Could not bind any local port for requested port %d: %s", requestedPort, firstErr)
	}
	boundPort := uint16(listener.Addr().(*net.TCPAddr).Port)
	logger.DLogf("All ports near %d taken; bound ephemeral port %d", requestedPort, boundPort)
	return listener, boundPort, nil
}

// LocalPortForwarder owns one bound local TCP listener that satisfies a
// peer's request to forward a port. Each accepted local connection becomes a
// "forwarded-tcpip" channel to the peer, bridged until both directions reach
// end-of-stream. Closing the forwarder stops the listener; connections
// already being bridged run to completion.
type LocalPortForwarder struct {
	ShutdownHelper
	opener     channelOpener
	address    string
	remotePort uint16
	localPort  uint16
	listener   net.Listener
	connStats  ConnStats
}

// NewLocalPortForwarder creates a forwarder for one requested port. Nothing
// is bound until Start is called.
func NewLocalPortForwarder(logger Logger, opener channelOpener, address string, remotePort uint16) *LocalPortForwarder {
	f := &LocalPortForwarder{
		opener:     opener,
		address:    address,
		remotePort: remotePort,
	}
	f.InitShutdownHelper(logger.Fork("PortForwarder(%d)", remotePort), f)
	return f
}

// Start binds the local listener, retrying past port conflicts, and begins
// accepting connections. On return the bound port is available from
// LocalPort. Start is idempotent.
func (f *LocalPortForwarder) Start(ctx context.Context) error {
	return f.DoOnceActivate(func() error {
		f.ShutdownOnContext(ctx)
		listener, boundPort, err := listenWithPortConflictRetry(f.Logger, f.address, f.remotePort)
		if err != nil {
			return err
		}
		f.Lock.Lock()
		f.listener = listener
		f.localPort = boundPort
		f.Lock.Unlock()
		f.DLogf("Listening on %s", listener.Addr())
		go f.acceptLoop(ctx)
		return nil
	}, false)
}

// LocalPort returns the port the forwarder actually bound, which may differ
// from the peer's requested port. Valid after a successful Start.
func (f *LocalPortForwarder) LocalPort() uint16 {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	return f.localPort
}

// RemotePort returns the forwarded port as the peer knows it
func (f *LocalPortForwarder) RemotePort() uint16 {
	return f.remotePort
}

func (f *LocalPortForwarder) acceptLoop(ctx context.Context) {
	for {
		netConn, err := f.listener.Accept()
		if err != nil {
			if !f.IsStartedShutdown() {
				f.DLogf("Accept failed, stopping forwarder: %s", err)
				f.StartShutdown(err)
			}
			return
		}
		go f.handleConnection(ctx, netConn)
	}
}

// handleConnection turns one accepted local connection into a forwarding
// channel to the peer and bridges the two until end-of-stream both ways
func (f *LocalPortForwarder) handleConnection(ctx context.Context, netConn net.Conn) {
	connID := f.connStats.New()
	f.connStats.Open()
	defer f.connStats.Close()
	logger := f.Fork("conn#%d", connID)

	originAddress, originPort := splitHostPort(netConn.RemoteAddr())
	socketConn := NewSocketConn(logger, netConn)
	open := &PortForwardChannelOpen{
		DestAddress:   f.address,
		DestPort:      uint32(f.remotePort),
		OriginAddress: originAddress,
		OriginPort:    uint32(originPort),
	}
	tunnelConn, err := f.opener.OpenChannel(ctx, ForwardedChannelType, open)
	if err != nil {
		logger.DLogf("Could not open forwarding channel: %s", err)
		socketConn.Close()
		return
	}
	BridgeChannels(ctx, logger, socketConn, tunnelConn)
}

// HandleOnceShutdown is called exactly once to stop the local listener
func (f *LocalPortForwarder) HandleOnceShutdown(completionErr error) error {
	f.Lock.Lock()
	listener := f.listener
	f.listener = nil
	f.Lock.Unlock()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// splitHostPort breaks a network address into host and numeric port, with
// zero values when the address does not carry them
func splitHostPort(addr net.Addr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
