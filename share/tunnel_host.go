package prshare

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

// TunnelHostConfig configures a TunnelHost
type TunnelHostConfig struct {
	// Source supplies the host relay endpoint and access token. Required.
	Source EndpointSource

	// HostID identifies this host on the tunnel. Empty generates one.
	HostID string

	// HostKeySeed makes the host's key deterministic, so the host presents a
	// stable identity across restarts without persisting key material. Empty
	// generates a random key.
	HostKeySeed string

	// Ports are shared with clients as soon as they connect. More can be
	// added later with AddPort.
	Ports []uint16

	// KeepAlive tunes per-client liveness probing
	KeepAlive KeepAliveSettings

	// MaxRetryInterval caps the backoff between relay attachment attempts.
	// 0 selects DefaultMaxRetryInterval.
	MaxRetryInterval time.Duration
}

// TunnelHost is the sharing side of a tunnel: it attaches to the relay,
// waits for clients, and forwards its shared ports to each client that
// connects. Each paired client gets its own secure session; the host
// immediately re-attaches to the relay so further clients can connect.
//
// A host that loses its relay attachment re-attaches with capped exponential
// backoff and keeps doing so until closed; unlike a client, a host is a
// daemon and a temporary refusal may heal when the relay's authorization
// config changes.
type TunnelHost struct {
	ShutdownHelper
	config  TunnelHostConfig
	status  statusTracker
	hostID  string
	hostKey ssh.Signer

	// lifeCtx bounds relay attachment and parked handshakes to the host's
	// lifetime
	lifeCtx    context.Context
	cancelLife context.CancelFunc

	// guarded by ShutdownHelper.Lock
	access      *TunnelAccess
	portOrder   []uint16
	sharedPorts map[uint16]bool
	sessions    map[*TunnelSession]*PortForwardingService
}

// NewTunnelHost creates a TunnelHost that is not yet attached to the relay
func NewTunnelHost(logger Logger, config TunnelHostConfig) (*TunnelHost, error) {
	if config.Source == nil {
		return nil, logger.Errorf("TunnelHost requires an endpoint source")
	}
	hostKey, err := GenerateHostKey(config.HostKeySeed)
	if err != nil {
		return nil, err
	}
	hostID := config.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}
	h := &TunnelHost{
		config:      config,
		hostID:      hostID,
		hostKey:     hostKey,
		sharedPorts: make(map[uint16]bool),
		sessions:    make(map[*TunnelSession]*PortForwardingService),
	}
	h.InitShutdownHelper(logger.Fork("TunnelHost(%s)", hostID), h)
	h.lifeCtx, h.cancelLife = context.WithCancel(context.Background())
	for _, port := range config.Ports {
		if h.sharedPorts[port] {
			return nil, &DuplicatePortError{Port: port}
		}
		h.sharedPorts[port] = true
		h.portOrder = append(h.portOrder, port)
	}
	return h, nil
}

// HostID returns this host's identity on the tunnel
func (h *TunnelHost) HostID() string {
	return h.hostID
}

// Status returns the host's relay attachment state
func (h *TunnelHost) Status() ConnectionStatus {
	return h.status.current()
}

// AddStatusChangeListener subscribes to relay attachment state transitions
func (h *TunnelHost) AddStatusChangeListener(listener StatusChangeListener) StatusListenerHandle {
	return h.status.addListener(listener)
}

// RemoveStatusChangeListener unsubscribes a status listener
func (h *TunnelHost) RemoveStatusChangeListener(handle StatusListenerHandle) bool {
	return h.status.removeListener(handle)
}

// ClientCount returns the number of clients currently being served
func (h *TunnelHost) ClientCount() int {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return len(h.sessions)
}

// SharedPorts returns the ports this host offers, in the order they were
// added
func (h *TunnelHost) SharedPorts() []uint16 {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return append([]uint16(nil), h.portOrder...)
}

func (h *TunnelHost) setStatus(status ConnectionStatus) bool {
	changed, err := h.status.set(status)
	if err != nil {
		h.DLogf("Ignoring status change: %s", err)
		return false
	}
	if changed {
		h.DLogf("Status: %s", status)
	}
	return changed
}

// Start attaches the host to the relay and begins serving clients. It
// returns as soon as the serve loop is running; attachment failures are
// retried in the background. Cancelling ctx closes the host.
func (h *TunnelHost) Start(ctx context.Context) error {
	return h.DoOnceActivate(func() error {
		h.ShutdownOnContext(ctx)
		h.setStatus(ConnectionStatusConnecting)
		go h.serveLoop()
		return nil
	}, false)
}

// serveLoop keeps one connection parked at the relay at all times, pairing
// each with the next client that connects
func (h *TunnelHost) serveLoop() {
	maxInterval := h.config.MaxRetryInterval
	if maxInterval == 0 {
		maxInterval = DefaultMaxRetryInterval
	}
	b := &backoff.Backoff{Max: maxInterval}
	for {
		if h.IsStartedShutdown() || h.lifeCtx.Err() != nil {
			return
		}
		err := h.parkOnce()
		if err == nil {
			b.Reset()
			continue
		}
		if h.IsStartedShutdown() || h.lifeCtx.Err() != nil {
			return
		}
		d := b.Duration()
		h.WLogf("Relay attachment failed: %s; retrying in %s", err, d)
		h.setStatus(ConnectionStatusRetryingConnect)
		select {
		case <-time.After(d):
		case <-h.lifeCtx.Done():
			return
		case <-h.ShutdownStartedChan():
			return
		}
	}
}

// parkOnce attaches one connection to the relay, waits for a client to pair
// with it, and hands the paired session off to its own serving goroutine
func (h *TunnelHost) parkOnce() error {
	ctx := h.lifeCtx
	access, err := h.ensureAccess(ctx)
	if err != nil {
		return err
	}
	endpoint, err := selectHostEndpoint(access.Endpoints)
	if err != nil {
		return err
	}
	if h.status.current() != ConnectionStatusConnected {
		h.setStatus(ConnectionStatusConnecting)
	}

	relayURI, err := appendQueryParam(endpoint.HostRelayURI, "hostId", h.hostID)
	if err != nil {
		return h.DLogErrorf("Malformed host relay URI %q: %s", endpoint.HostRelayURI, err)
	}
	stream, err := DialRelay(ctx, h.Logger, relayURI, HostRelaySubProtocol, access.AccessToken)
	if err != nil {
		var refused *RelayConnectionRefusedError
		if errors.As(err, &refused) {
			switch refused.StatusCode {
			case http.StatusUnauthorized, http.StatusNotFound:
				h.invalidateAccess()
			}
		}
		return err
	}
	// parked; the host is now reachable
	h.setStatus(ConnectionStatusConnected)

	session := NewTunnelSession(h.Logger, SessionSettings{Role: TunnelRoleHost, HostKey: h.hostKey})
	forwarding := NewPortForwardingService(h.Logger, session, PortForwardingSettings{
		ForwardToLocalPorts: true,
	})
	forwarding.RegisterHandlers(session)
	session.SetGlobalRequestHandler(RefreshPortsRequestName, func(ctx context.Context, payload []byte) (bool, []byte) {
		// re-advertise before replying, so the requester sees a settled port
		// set once the reply arrives
		h.advertisePorts(ctx, forwarding)
		return true, nil
	})

	// blocks until a client is bridged in and completes the handshake
	if err := session.Connect(ctx, stream); err != nil {
		forwarding.Close()
		return err
	}

	h.Lock.Lock()
	h.sessions[session] = forwarding
	h.Lock.Unlock()
	if h.IsStartedShutdown() {
		h.Lock.Lock()
		delete(h.sessions, session)
		h.Lock.Unlock()
		session.Close()
		forwarding.Close()
		return h.Errorf("tunnel host is closed")
	}
	go h.serveSession(session, forwarding)
	return nil
}

func (h *TunnelHost) ensureAccess(ctx context.Context) (*TunnelAccess, error) {
	h.Lock.Lock()
	access := h.access
	h.Lock.Unlock()
	if access != nil && access.AccessToken != "" && !tunnels.TokenExpired(access.AccessToken) {
		return access, nil
	}
	fresh, err := h.config.Source.TunnelAccess(ctx, TunnelRoleHost)
	if err != nil {
		return nil, h.DLogErrorf("Could not obtain tunnel access: %s", err)
	}
	h.Lock.Lock()
	h.access = fresh
	h.Lock.Unlock()
	return fresh, nil
}

func (h *TunnelHost) invalidateAccess() {
	h.Lock.Lock()
	if h.access != nil {
		h.access = &TunnelAccess{}
	}
	h.Lock.Unlock()
}

// serveSession drives one paired client session to completion
func (h *TunnelHost) serveSession(session *TunnelSession, forwarding *PortForwardingService) {
	h.ILogf("Client connected: %s", session)
	h.advertisePorts(h.lifeCtx, forwarding)
	go h.runKeepAlive(session)

	err := session.WaitShutdown()
	forwarding.Close()
	h.Lock.Lock()
	delete(h.sessions, session)
	h.Lock.Unlock()
	h.ILogf("Client session ended: %v", err)
}

// advertisePorts forwards every shared port not already forwarded on the
// session. Skipping already-forwarded ports keeps repeated refreshes from
// duplicating registrations.
func (h *TunnelHost) advertisePorts(ctx context.Context, forwarding *PortForwardingService) {
	h.Lock.Lock()
	ports := append([]uint16(nil), h.portOrder...)
	h.Lock.Unlock()
	for _, port := range ports {
		if forwarding.Ports().Has(port) {
			continue
		}
		if _, err := forwarding.RequestForward(ctx, localForwardAddress, port); err != nil {
			h.WLogf("Could not forward port %d: %s", port, err)
		}
	}
}

func (h *TunnelHost) runKeepAlive(session *TunnelSession) {
	if h.config.KeepAlive.Interval < 0 {
		return
	}
	runner := newKeepAliveRunner(h.Logger, session, h.config.KeepAlive)
	runner.onDead = func() {
		session.StartShutdown(session.Errorf("keep-alive probes went unanswered"))
	}
	kaCtx, cancel := context.WithCancel(h.lifeCtx)
	defer cancel()
	go func() {
		select {
		case <-session.ShutdownStartedChan():
			cancel()
		case <-kaCtx.Done():
		}
	}()
	runner.run(kaCtx)
}

func appendQueryParam(rawURI string, key string, value string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *TunnelHost) forwardingSnapshot() []*PortForwardingService {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	snapshot := make([]*PortForwardingService, 0, len(h.sessions))
	for _, forwarding := range h.sessions {
		snapshot = append(snapshot, forwarding)
	}
	return snapshot
}

// AddPort adds port to the shared set and advertises it to every connected
// client. Returns the first per-client failure, if any; the port stays
// shared either way.
func (h *TunnelHost) AddPort(ctx context.Context, port uint16) error {
	h.Lock.Lock()
	if h.sharedPorts[port] {
		h.Lock.Unlock()
		return &DuplicatePortError{Port: port}
	}
	h.sharedPorts[port] = true
	h.portOrder = append(h.portOrder, port)
	h.Lock.Unlock()

	var firstErr error
	for _, forwarding := range h.forwardingSnapshot() {
		if forwarding.Ports().Has(port) {
			continue
		}
		if _, err := forwarding.RequestForward(ctx, localForwardAddress, port); err != nil {
			h.WLogf("Could not forward new port %d: %s", port, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RemovePort withdraws port from the shared set and cancels it on every
// connected client, which tears down the clients' listeners and any streams
// in flight on the port
func (h *TunnelHost) RemovePort(ctx context.Context, port uint16) error {
	h.Lock.Lock()
	if !h.sharedPorts[port] {
		h.Lock.Unlock()
		return h.Errorf("port %d is not shared", port)
	}
	delete(h.sharedPorts, port)
	for i, p := range h.portOrder {
		if p == port {
			h.portOrder = append(h.portOrder[:i], h.portOrder[i+1:]...)
			break
		}
	}
	h.Lock.Unlock()

	var firstErr error
	for _, forwarding := range h.forwardingSnapshot() {
		if err := forwarding.CancelForward(ctx, localForwardAddress, port); err != nil {
			h.WLogf("Could not cancel port %d: %s", port, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleOnceShutdown is called exactly once to close the host: the parked
// relay connection is abandoned and every client session is torn down
func (h *TunnelHost) HandleOnceShutdown(completionErr error) error {
	h.setStatus(ConnectionStatusDisconnecting)
	h.cancelLife()
	h.Lock.Lock()
	sessions := make([]*TunnelSession, 0, len(h.sessions))
	forwardings := make([]*PortForwardingService, 0, len(h.sessions))
	for session, forwarding := range h.sessions {
		sessions = append(sessions, session)
		forwardings = append(forwardings, forwarding)
	}
	h.sessions = make(map[*TunnelSession]*PortForwardingService)
	h.Lock.Unlock()
	for i, session := range sessions {
		session.Shutdown(nil)
		forwardings[i].Close()
	}
	h.setStatus(ConnectionStatusClosed)
	return completionErr
}
