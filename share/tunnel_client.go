package prshare

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

const (
	// DefaultMaxRetryCount is how many times a lost or failed connection is
	// automatically re-attempted before giving up
	DefaultMaxRetryCount = 6

	// DefaultMaxRetryInterval caps the exponential backoff between attempts
	DefaultMaxRetryInterval = 30 * time.Second
)

// KeepAliveListener receives keep-alive outcome events
type KeepAliveListener func(event KeepAliveEvent)

// KeepAliveListenerHandle identifies one registered keep-alive listener
type KeepAliveListenerHandle int64

type keepAliveListenerEntry struct {
	handle   KeepAliveListenerHandle
	listener KeepAliveListener
}

// TunnelClientConfig configures a TunnelClient
type TunnelClientConfig struct {
	// Source supplies tunnel endpoints and access tokens. Required.
	Source EndpointSource

	// HostID selects which host to connect to when several hosts share the
	// tunnel. Empty means the tunnel is expected to have exactly one host.
	HostID string

	// NoLocalConnections disables binding local TCP listeners for forwarded
	// ports. Forwarded ports are then reachable only through
	// ConnectToForwardedPort.
	NoLocalConnections bool

	// KeepAlive tunes connection liveness probing
	KeepAlive KeepAliveSettings

	// MaxRetryCount is how many automatic re-attempts follow a failed or lost
	// connection. 0 selects DefaultMaxRetryCount; negative disables retries.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between re-attempts. 0 selects
	// DefaultMaxRetryInterval.
	MaxRetryInterval time.Duration
}

// TunnelClient connects to a tunnel as the consuming side: it reaches the
// host through the relay, answers the host's port forward requests by binding
// local listeners, and keeps the connection alive, reconnecting with backoff
// when it silently dies. One TunnelClient drives one tunnel connection at a
// time; after Close it cannot be reused.
type TunnelClient struct {
	ShutdownHelper
	config TunnelClientConfig
	status statusTracker

	// lifeCtx bounds automatic reconnection work to the client's lifetime
	lifeCtx    context.Context
	cancelLife context.CancelFunc

	// guarded by ShutdownHelper.Lock
	session    *TunnelSession
	forwarding *PortForwardingService
	access     *TunnelAccess

	kaMu         sync.Mutex
	kaSucceeded  []keepAliveListenerEntry
	kaFailed     []keepAliveListenerEntry
	lastKAHandle KeepAliveListenerHandle

	portMu         sync.Mutex
	portListeners  []portListenerEntry
	lastPortHandle PortListenerHandle
}

// NewTunnelClient creates a disconnected TunnelClient
func NewTunnelClient(logger Logger, config TunnelClientConfig) (*TunnelClient, error) {
	if config.Source == nil {
		return nil, logger.Errorf("TunnelClient requires an endpoint source")
	}
	c := &TunnelClient{
		config: config,
	}
	c.InitShutdownHelper(logger.Fork("TunnelClient"), c)
	c.lifeCtx, c.cancelLife = context.WithCancel(context.Background())
	return c, nil
}

// Status returns the connection's current lifecycle state
func (c *TunnelClient) Status() ConnectionStatus {
	return c.status.current()
}

// AddStatusChangeListener subscribes to connection status transitions.
// Listeners are called synchronously with the old and new status and must not
// block.
func (c *TunnelClient) AddStatusChangeListener(listener StatusChangeListener) StatusListenerHandle {
	return c.status.addListener(listener)
}

// RemoveStatusChangeListener unsubscribes a status listener
func (c *TunnelClient) RemoveStatusChangeListener(handle StatusListenerHandle) bool {
	return c.status.removeListener(handle)
}

// AddPortChangeListener subscribes to forwarded port additions and removals.
// The subscription survives reconnects, which recreate the underlying
// registry.
func (c *TunnelClient) AddPortChangeListener(listener PortChangeListener) PortListenerHandle {
	c.portMu.Lock()
	defer c.portMu.Unlock()
	c.lastPortHandle++
	c.portListeners = append(c.portListeners, portListenerEntry{handle: c.lastPortHandle, listener: listener})
	return c.lastPortHandle
}

// RemovePortChangeListener unsubscribes a port change listener
func (c *TunnelClient) RemovePortChangeListener(handle PortListenerHandle) bool {
	c.portMu.Lock()
	defer c.portMu.Unlock()
	for i, e := range c.portListeners {
		if e.handle == handle {
			c.portListeners = append(c.portListeners[:i], c.portListeners[i+1:]...)
			return true
		}
	}
	return false
}

// AddKeepAliveSucceededListener subscribes to successful keep-alive probes
func (c *TunnelClient) AddKeepAliveSucceededListener(listener KeepAliveListener) KeepAliveListenerHandle {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	c.lastKAHandle++
	c.kaSucceeded = append(c.kaSucceeded, keepAliveListenerEntry{handle: c.lastKAHandle, listener: listener})
	return c.lastKAHandle
}

// AddKeepAliveFailedListener subscribes to the connection-dead verdict, fired
// once per connection after the failure threshold is reached
func (c *TunnelClient) AddKeepAliveFailedListener(listener KeepAliveListener) KeepAliveListenerHandle {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	c.lastKAHandle++
	c.kaFailed = append(c.kaFailed, keepAliveListenerEntry{handle: c.lastKAHandle, listener: listener})
	return c.lastKAHandle
}

// RemoveKeepAliveListener unsubscribes a keep-alive listener of either kind
func (c *TunnelClient) RemoveKeepAliveListener(handle KeepAliveListenerHandle) bool {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	for i, e := range c.kaSucceeded {
		if e.handle == handle {
			c.kaSucceeded = append(c.kaSucceeded[:i], c.kaSucceeded[i+1:]...)
			return true
		}
	}
	for i, e := range c.kaFailed {
		if e.handle == handle {
			c.kaFailed = append(c.kaFailed[:i], c.kaFailed[i+1:]...)
			return true
		}
	}
	return false
}

func (c *TunnelClient) notifyKeepAlive(failed bool, event KeepAliveEvent) {
	c.kaMu.Lock()
	src := c.kaSucceeded
	if failed {
		src = c.kaFailed
	}
	listeners := make([]KeepAliveListener, len(src))
	for i, e := range src {
		listeners[i] = e.listener
	}
	c.kaMu.Unlock()
	for _, l := range listeners {
		l(event)
	}
}

func (c *TunnelClient) notifyPortChange(port ForwardedPort, added bool) {
	c.portMu.Lock()
	listeners := make([]PortChangeListener, len(c.portListeners))
	for i, e := range c.portListeners {
		listeners[i] = e.listener
	}
	c.portMu.Unlock()
	for _, l := range listeners {
		l(port, added)
	}
}

// setStatus applies a status transition, tolerating transitions the state
// machine forbids; those happen when a deliberate close races an automatic
// reconnect, and the close wins
func (c *TunnelClient) setStatus(status ConnectionStatus) bool {
	changed, err := c.status.set(status)
	if err != nil {
		c.DLogf("Ignoring status change: %s", err)
		return false
	}
	if changed {
		c.DLogf("Status: %s", status)
	}
	return changed
}

// Connect establishes the tunnel connection: it obtains endpoints and an
// access token from the endpoint source, selects the host endpoint, performs
// the relay upgrade and the secure handshake, and starts keep-alive probing.
// Failed attempts are retried with capped exponential backoff per the
// client's retry policy; errors that cannot improve by retrying, including
// selection failures, which happen before any network I/O, are returned
// immediately. Cancelling ctx aborts the attempt without closing the client.
//
// Connect is valid on a new client and again after the connection has ended
// in Disconnected; a connected or closed client refuses it.
func (c *TunnelClient) Connect(ctx context.Context) error {
	if c.IsStartedShutdown() {
		return c.Errorf("tunnel client is closed")
	}
	switch cur := c.status.current(); cur {
	case ConnectionStatusNone, ConnectionStatusDisconnected:
	default:
		return c.Errorf("Connect is not valid while %s", cur)
	}
	c.setStatus(ConnectionStatusConnecting)
	if err := c.runConnectAttempts(ctx); err != nil {
		c.setStatus(ConnectionStatusDisconnected)
		return err
	}
	return nil
}

// runConnectAttempts tries to connect until success, a non-retryable
// failure, or the retry budget is exhausted
func (c *TunnelClient) runConnectAttempts(ctx context.Context) error {
	maxRetries := c.config.MaxRetryCount
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetryCount
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	maxInterval := c.config.MaxRetryInterval
	if maxInterval == 0 {
		maxInterval = DefaultMaxRetryInterval
	}
	b := &backoff.Backoff{Max: maxInterval}
	for {
		if c.IsStartedShutdown() {
			return c.Errorf("tunnel client is closed")
		}
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableConnectError(err) {
			return err
		}
		attempt := int(b.Attempt())
		if attempt >= maxRetries {
			return err
		}
		d := b.Duration()
		c.ILogf("Connect failed: %s; retrying in %s (attempt %d/%d)", err, d, attempt+1, maxRetries)
		c.setStatus(ConnectionStatusRetryingConnect)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ShutdownStartedChan():
			return err
		}
	}
}

// isRetryableConnectError reports whether another attempt could plausibly
// succeed. Policy refusals and endpoint selection failures cannot improve by
// retrying; everything transport-shaped can.
func isRetryableConnectError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var noHosts *NoTunnelHostsError
	var ambiguous *AmbiguousTunnelHostsError
	if errors.As(err, &noHosts) || errors.As(err, &ambiguous) {
		return false
	}
	var refused *RelayConnectionRefusedError
	if errors.As(err, &refused) {
		switch refused.StatusCode {
		case http.StatusUnauthorized, http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooManyRequests:
			// a fresh token or endpoint may fix these
			return true
		default:
			return refused.StatusCode >= 500
		}
	}
	return true
}

// ensureAccess returns usable tunnel access, consulting the endpoint source
// when none is cached or the cached token has expired. A re-fetch after a
// failure is surfaced as the RefreshingTunnel status.
func (c *TunnelClient) ensureAccess(ctx context.Context) (*TunnelAccess, error) {
	c.Lock.Lock()
	access := c.access
	c.Lock.Unlock()
	if access != nil && access.AccessToken != "" && !tunnels.TokenExpired(access.AccessToken) {
		return access, nil
	}
	if access != nil {
		c.setStatus(ConnectionStatusRefreshingTunnel)
	}
	fresh, err := c.config.Source.TunnelAccess(ctx, TunnelRoleClient)
	if err != nil {
		return nil, c.DLogErrorf("Could not obtain tunnel access: %s", err)
	}
	c.Lock.Lock()
	c.access = fresh
	c.Lock.Unlock()
	return fresh, nil
}

// invalidateAccess forces the next attempt to fetch fresh endpoints and a
// fresh token
func (c *TunnelClient) invalidateAccess() {
	c.Lock.Lock()
	if c.access != nil {
		c.access = &TunnelAccess{}
	}
	c.Lock.Unlock()
}

// connectOnce performs one full connection attempt
func (c *TunnelClient) connectOnce(ctx context.Context) error {
	access, err := c.ensureAccess(ctx)
	if err != nil {
		return err
	}
	endpoint, err := selectClientEndpoint(access.Endpoints, c.config.HostID)
	if err != nil {
		return err
	}
	c.setStatus(ConnectionStatusConnecting)

	stream, err := DialRelay(ctx, c.Logger, endpoint.ClientRelayURI, ClientRelaySubProtocol, access.AccessToken)
	if err != nil {
		var refused *RelayConnectionRefusedError
		if errors.As(err, &refused) {
			switch refused.StatusCode {
			case http.StatusUnauthorized, http.StatusNotFound:
				c.invalidateAccess()
			}
		}
		return err
	}

	session := NewTunnelSession(c.Logger, SessionSettings{Role: TunnelRoleClient})
	forwarding := NewPortForwardingService(c.Logger, session, PortForwardingSettings{
		AcceptForwardRequests:  true,
		AcceptLocalConnections: !c.config.NoLocalConnections,
	})
	forwarding.RegisterHandlers(session)
	forwarding.Ports().AddListener(c.notifyPortChange)
	if err := session.Connect(ctx, stream); err != nil {
		forwarding.Close()
		return err
	}

	c.Lock.Lock()
	c.session = session
	c.forwarding = forwarding
	c.Lock.Unlock()
	if c.IsStartedShutdown() {
		// a deliberate close raced the handshake; honor it
		session.Close()
		forwarding.Close()
		return c.Errorf("tunnel client is closed")
	}

	c.setStatus(ConnectionStatusConnected)
	go c.runKeepAlive(session)
	go c.watchSession(session, forwarding)
	return nil
}

// runKeepAlive probes the session until it ends; an unresponsive peer tears
// the session down, which triggers the reconnect path via watchSession
func (c *TunnelClient) runKeepAlive(session *TunnelSession) {
	if c.config.KeepAlive.Interval < 0 {
		return
	}
	runner := newKeepAliveRunner(c.Logger, session, c.config.KeepAlive)
	runner.onSucceeded = func(e KeepAliveEvent) { c.notifyKeepAlive(false, e) }
	runner.onFailed = func(e KeepAliveEvent) { c.notifyKeepAlive(true, e) }
	runner.onDead = func() {
		session.StartShutdown(session.Errorf("keep-alive probes went unanswered"))
	}
	kaCtx, cancel := context.WithCancel(c.lifeCtx)
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

// watchSession waits for the live session to end and drives reconnection
// when the end was not a deliberate close
func (c *TunnelClient) watchSession(session *TunnelSession, forwarding *PortForwardingService) {
	err := session.WaitShutdown()
	forwarding.Close()

	c.Lock.Lock()
	if c.session != session {
		c.Lock.Unlock()
		return
	}
	c.session = nil
	c.forwarding = nil
	c.Lock.Unlock()

	if c.IsStartedShutdown() {
		return
	}
	c.WLogf("Tunnel connection lost: %v", err)
	if !c.setStatus(ConnectionStatusRetryingConnect) {
		return
	}
	if rerr := c.runConnectAttempts(c.lifeCtx); rerr != nil {
		if !c.IsStartedShutdown() {
			c.ELogf("Could not reconnect: %s", rerr)
			c.setStatus(ConnectionStatusDisconnected)
		}
	}
}

func (c *TunnelClient) currentSession() *TunnelSession {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.session
}

func (c *TunnelClient) currentForwarding() *PortForwardingService {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.forwarding
}

// ForwardedPorts returns a snapshot of the ports currently forwarded over
// the live connection, in the order they were forwarded. Empty when not
// connected.
func (c *TunnelClient) ForwardedPorts() []ForwardedPort {
	forwarding := c.currentForwarding()
	if forwarding == nil {
		return nil
	}
	return forwarding.Ports().List()
}

// WaitForForwardedPort blocks until the host has forwarded remotePort over
// the live connection, or ctx is cancelled, or the connection ends
func (c *TunnelClient) WaitForForwardedPort(ctx context.Context, remotePort uint16) error {
	forwarding := c.currentForwarding()
	if forwarding == nil {
		return c.Errorf("not connected")
	}
	return forwarding.WaitForForwardedPort(ctx, remotePort)
}

// ConnectToForwardedPort opens a byte stream to a forwarded port without
// going through a local listener. It returns (nil, nil) when the port is not
// currently forwarded, which is not an error.
func (c *TunnelClient) ConnectToForwardedPort(ctx context.Context, remotePort uint16) (*TunnelConn, error) {
	forwarding := c.currentForwarding()
	if forwarding == nil {
		return nil, c.Errorf("not connected")
	}
	return forwarding.ConnectToForwardedPort(ctx, remotePort)
}

// RefreshPorts asks the host to re-advertise its current port set, and
// returns once the host has done so. Ports the host adds or removes arrive
// as registry changes before this returns.
func (c *TunnelClient) RefreshPorts(ctx context.Context) error {
	session := c.currentSession()
	if session == nil {
		return c.Errorf("not connected")
	}
	ok, _, err := session.SendGlobalRequest(ctx, RefreshPortsRequestName, true, nil)
	if err != nil {
		return err
	}
	if !ok {
		return c.Errorf("peer refused to refresh ports")
	}
	return nil
}

// HandleOnceShutdown is called exactly once to close the client: the live
// session and its forwarded ports are torn down, with removal notifications
// for each port, and the status moves through Disconnecting to Closed.
func (c *TunnelClient) HandleOnceShutdown(completionErr error) error {
	c.setStatus(ConnectionStatusDisconnecting)
	c.cancelLife()
	c.Lock.Lock()
	session := c.session
	forwarding := c.forwarding
	c.session = nil
	c.forwarding = nil
	c.Lock.Unlock()
	if session != nil {
		session.Shutdown(nil)
	}
	if forwarding != nil {
		forwarding.Close()
	}
	c.setStatus(ConnectionStatusClosed)
	return completionErr
}
