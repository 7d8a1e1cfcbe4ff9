package prshare

import (
	"context"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// localForwardAddress is where inbound forwarding channels are connected on
// the side that exposes services. Forwarded services are only reachable on
// loopback; exposing non-loopback targets is a deliberate non-feature.
const localForwardAddress = "127.0.0.1"

// sessionTransport is the slice of TunnelSession the forwarding service
// needs, split out so tests can drive the service without a live session
type sessionTransport interface {
	channelOpener
	SendGlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error)
	AcceptChannel(newChannel ssh.NewChannel) (*TunnelConn, error)
}

// PortForwardingSettings selects which forwarding capabilities one side of a
// tunnel session provides
type PortForwardingSettings struct {
	// AcceptForwardRequests enables responding to the peer's requests to
	// start and stop forwarding ports
	AcceptForwardRequests bool

	// AcceptLocalConnections, when forward requests are accepted, binds a
	// real local TCP listener for each forwarded port. When false, forwarded
	// ports are registered without listeners and are reachable only through
	// ConnectToForwardedPort.
	AcceptLocalConnections bool

	// ForwardToLocalPorts enables accepting inbound forwarding channels by
	// connecting them to local TCP services on loopback
	ForwardToLocalPorts bool
}

// PortForwardingService implements the port-forwarding sub-protocol for one
// tunnel session: it initiates and answers forward requests, tracks the
// resulting forwarded ports in a registry, and turns forwarding channels into
// real local TCP connections. Its lifetime is bound to the session's.
type PortForwardingService struct {
	ShutdownHelper
	transport sessionTransport
	settings  PortForwardingSettings
	ports     *ForwardedPortsRegistry

	// guarded by ShutdownHelper.Lock
	forwarders map[uint16]*LocalPortForwarder

	waitersMu sync.Mutex
	waiters   map[uint16][]chan struct{}
}

// NewPortForwardingService creates the forwarding service for one session.
// RegisterHandlers must be called before the session connects for the
// settings' inbound capabilities to take effect.
func NewPortForwardingService(logger Logger, transport sessionTransport, settings PortForwardingSettings) *PortForwardingService {
	s := &PortForwardingService{
		transport:  transport,
		settings:   settings,
		ports:      NewForwardedPortsRegistry(),
		forwarders: make(map[uint16]*LocalPortForwarder),
		waiters:    make(map[uint16][]chan struct{}),
	}
	s.InitShutdownHelper(logger.Fork("PortForwarding"), s)
	s.ports.AddListener(func(port ForwardedPort, added bool) {
		if added {
			s.firePortWaiters(port.RemotePort)
		}
	})
	return s
}

// Ports returns the registry of currently forwarded ports
func (s *PortForwardingService) Ports() *ForwardedPortsRegistry {
	return s.ports
}

// RegisterHandlers wires the service's inbound request and channel handling
// into session, according to the service's settings. Must be called before
// session.Connect.
func (s *PortForwardingService) RegisterHandlers(session *TunnelSession) {
	if s.settings.AcceptForwardRequests {
		session.SetGlobalRequestHandler(PortForwardRequestName, s.handlePortForwardRequest)
		session.SetGlobalRequestHandler(CancelPortForwardRequestName, s.handleCancelForwardRequest)
	}
	if s.settings.ForwardToLocalPorts {
		session.SetChannelOpenHandler(ForwardedChannelType, s.handleForwardChannelOpen)
		session.SetChannelOpenHandler(DirectChannelType, s.handleForwardChannelOpen)
	}
}

// RequestForward asks the peer to begin forwarding a port. On success the
// forward is registered locally and returned; LocalPort carries the port the
// peer actually bound. A transport-level refusal is reported as
// *PortForwardRejectedError; a peer that accepted the request but could not
// bind any port is reported as *PortForwardUnavailableError, and nothing is
// registered.
func (s *PortForwardingService) RequestForward(ctx context.Context, address string, requestedPort uint16) (ForwardedPort, error) {
	req := &PortForwardRequest{Address: address, Port: uint32(requestedPort)}
	ok, reply, err := s.transport.SendGlobalRequest(ctx, PortForwardRequestName, true, req.Marshal())
	if err != nil {
		return ForwardedPort{}, err
	}
	if !ok {
		rejected := &PortForwardRejectedError{Port: requestedPort}
		s.DLogf("%s", rejected.Error())
		return ForwardedPort{}, rejected
	}
	success, err := UnmarshalPortForwardSuccess(reply)
	if err != nil {
		return ForwardedPort{}, s.DLogErrorf("Forward of port %d: %s", requestedPort, err)
	}
	if success.Port == 0 {
		// peer convention for "accepted, but no forwarding available"
		unavailable := &PortForwardUnavailableError{Port: requestedPort}
		s.DLogf("%s", unavailable.Error())
		return ForwardedPort{}, unavailable
	}
	port := ForwardedPort{LocalPort: uint16(success.Port), RemotePort: requestedPort}
	if err := s.ports.Add(port); err != nil {
		return ForwardedPort{}, err
	}
	s.ILogf("Port %d is forwarded (peer bound %d)", requestedPort, port.LocalPort)
	return port, nil
}

// CancelForward asks the peer to stop forwarding a port, and removes it from
// the local registry. Asking about a port the peer does not consider
// forwarded is an error.
func (s *PortForwardingService) CancelForward(ctx context.Context, address string, remotePort uint16) error {
	req := &PortForwardRequest{Address: address, Port: uint32(remotePort)}
	ok, _, err := s.transport.SendGlobalRequest(ctx, CancelPortForwardRequestName, true, req.Marshal())
	if err != nil {
		return err
	}
	if !ok {
		return s.DLogErrorf("Peer refused to cancel forwarding of port %d", remotePort)
	}
	s.ports.Remove(remotePort)
	s.ILogf("Port %d is no longer forwarded", remotePort)
	return nil
}

// handlePortForwardRequest answers one inbound request to begin forwarding a
// port, replying with the port actually bound
func (s *PortForwardingService) handlePortForwardRequest(ctx context.Context, payload []byte) (bool, []byte) {
	req, err := UnmarshalPortForwardRequest(payload)
	if err != nil {
		s.DLogf("Refusing forward request: %s", err)
		return false, nil
	}
	if req.Port > 65535 {
		s.DLogf("Refusing forward request for out-of-range port %d", req.Port)
		return false, nil
	}
	boundPort, err := s.forwardPort(ctx, req.Address, uint16(req.Port))
	if err != nil {
		s.DLogf("Refusing forward request for port %d: %s", req.Port, err)
		return false, nil
	}
	return true, (&PortForwardSuccess{Port: uint32(boundPort)}).Marshal()
}

// forwardPort satisfies one request to forward remotePort, binding a local
// listener when the settings call for one, and returns the port to report
// back to the peer. A port already being forwarded is never bound twice;
// the existing binding is reported instead, so duplicate requests (possible
// under racing port refreshes) are idempotent.
func (s *PortForwardingService) forwardPort(ctx context.Context, address string, remotePort uint16) (uint16, error) {
	s.Lock.Lock()
	defer s.Lock.Unlock()

	if existing, present := s.ports.Get(remotePort); present {
		if existing.LocalPort != 0 {
			return existing.LocalPort, nil
		}
		return remotePort, nil
	}

	if !s.settings.AcceptLocalConnections {
		if err := s.ports.Add(ForwardedPort{LocalPort: 0, RemotePort: remotePort}); err != nil {
			return 0, err
		}
		return remotePort, nil
	}

	forwarder := NewLocalPortForwarder(s.Logger, s.transport, address, remotePort)
	if err := forwarder.Start(ctx); err != nil {
		return 0, err
	}
	boundPort := forwarder.LocalPort()
	if err := s.ports.Add(ForwardedPort{LocalPort: boundPort, RemotePort: remotePort}); err != nil {
		forwarder.Close()
		return 0, err
	}
	s.forwarders[remotePort] = forwarder
	s.AddShutdownChild(forwarder)
	s.ILogf("Forwarding port %d on %s:%d", remotePort, address, boundPort)
	return boundPort, nil
}

// handleCancelForwardRequest answers one inbound request to stop forwarding a
// port: the local listener is stopped, the registry entry removed, and the
// port echoed back. A port that is not forwarded is refused.
func (s *PortForwardingService) handleCancelForwardRequest(ctx context.Context, payload []byte) (bool, []byte) {
	req, err := UnmarshalPortForwardRequest(payload)
	if err != nil {
		s.DLogf("Refusing cancel request: %s", err)
		return false, nil
	}
	remotePort := uint16(req.Port)

	s.Lock.Lock()
	forwarder := s.forwarders[remotePort]
	delete(s.forwarders, remotePort)
	s.Lock.Unlock()

	if forwarder != nil {
		forwarder.Close()
	}
	if !s.ports.Remove(remotePort) {
		s.DLogf("Refusing cancel request for port %d: not forwarded", remotePort)
		return false, nil
	}
	s.ILogf("Stopped forwarding port %d", remotePort)
	return true, (&PortForwardSuccess{Port: uint32(remotePort)}).Marshal()
}

// handleForwardChannelOpen services one inbound forwarding channel by
// connecting it to the local TCP service it addresses. The local connection
// is established before the channel is accepted, so a dead service turns
// into a channel rejection rather than an immediately closed channel.
func (s *PortForwardingService) handleForwardChannelOpen(ctx context.Context, newChannel ssh.NewChannel) {
	reject := func(reason ssh.RejectionReason, message string) {
		s.DLogf("Rejecting %q channel open: %s", newChannel.ChannelType(), message)
		if err := newChannel.Reject(reason, message); err != nil {
			s.DLogf("Channel rejection send failed, ignoring: %s", err)
		}
	}

	open, err := UnmarshalPortForwardChannelOpen(newChannel.ExtraData())
	if err != nil {
		reject(ssh.UnknownChannelType, err.Error())
		return
	}
	if open.DestPort > 65535 {
		reject(ssh.Prohibited, "destination port out of range")
		return
	}
	destPort := uint16(open.DestPort)
	if !s.ports.Has(destPort) {
		reject(ssh.Prohibited, "port is not forwarded")
		return
	}

	d := net.Dialer{}
	netConn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(localForwardAddress, strconv.Itoa(int(destPort))))
	if err != nil {
		reject(ssh.ConnectionFailed, err.Error())
		return
	}

	tunnelConn, err := s.transport.AcceptChannel(newChannel)
	if err != nil {
		netConn.Close()
		return
	}
	logger := s.Fork("forward#%d->%d", open.OriginPort, destPort)
	socketConn := NewSocketConn(logger, netConn)
	BridgeChannels(ctx, logger, tunnelConn, socketConn)
}

// ConnectToForwardedPort opens a point-to-point channel to a forwarded port,
// with no local listener involved. If the port is not currently forwarded it
// returns (nil, nil), distinguishing "gone" from a failed open.
func (s *PortForwardingService) ConnectToForwardedPort(ctx context.Context, remotePort uint16) (*TunnelConn, error) {
	if !s.ports.Has(remotePort) {
		return nil, nil
	}
	open := &PortForwardChannelOpen{
		DestAddress:   localForwardAddress,
		DestPort:      uint32(remotePort),
		OriginAddress: localForwardAddress,
		OriginPort:    0,
	}
	return s.transport.OpenChannel(ctx, DirectChannelType, open)
}

// WaitForForwardedPort blocks until remotePort appears in the registry, ctx
// is cancelled, or the service shuts down
func (s *PortForwardingService) WaitForForwardedPort(ctx context.Context, remotePort uint16) error {
	waiter := s.addPortWaiter(remotePort)
	defer s.removePortWaiter(remotePort, waiter)
	if s.ports.Has(remotePort) {
		return nil
	}
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ShutdownStartedChan():
		return &SessionClosedError{}
	}
}

func (s *PortForwardingService) addPortWaiter(remotePort uint16) chan struct{} {
	waiter := make(chan struct{})
	s.waitersMu.Lock()
	s.waiters[remotePort] = append(s.waiters[remotePort], waiter)
	s.waitersMu.Unlock()
	return waiter
}

func (s *PortForwardingService) removePortWaiter(remotePort uint16, waiter chan struct{}) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	waiters := s.waiters[remotePort]
	for i, w := range waiters {
		if w == waiter {
			s.waiters[remotePort] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.waiters[remotePort]) == 0 {
		delete(s.waiters, remotePort)
	}
}

func (s *PortForwardingService) firePortWaiters(remotePort uint16) {
	s.waitersMu.Lock()
	waiters := s.waiters[remotePort]
	delete(s.waiters, remotePort)
	s.waitersMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// HandleOnceShutdown is called exactly once at session teardown: the registry
// is cleared, notifying listeners of each removal, and the port forwarders
// are shut down as children.
func (s *PortForwardingService) HandleOnceShutdown(completionErr error) error {
	s.ports.Clear()
	return completionErr
}
