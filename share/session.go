package prshare

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// TunnelRole selects which side of a tunnel session this party plays
type TunnelRole int

const (
	// TunnelRoleClient is the side that consumes forwarded ports
	TunnelRoleClient TunnelRole = iota

	// TunnelRoleHost is the side that exposes local TCP services
	TunnelRoleHost
)

func (r TunnelRole) String() string {
	switch r {
	case TunnelRoleClient:
		return "client"
	case TunnelRoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// RelaySubProtocol returns the websocket sub-protocol this role offers when
// connecting to the relay
func (r TunnelRole) RelaySubProtocol() string {
	if r == TunnelRoleHost {
		return HostRelaySubProtocol
	}
	return ClientRelaySubProtocol
}

const (
	// tunnelUsername is the username the client side offers during the secure
	// handshake. Authentication here is deliberately degenerate: possession of
	// a valid relay access token, already checked by the relay during the
	// websocket upgrade, is the real authorization boundary, so the handshake
	// accepts any client and neither side validates the peer's host identity.
	tunnelUsername = "tunnel"

	sessionProtocolVersion = "SSH-2.0-portrelay"
)

// GlobalRequestHandler handles one inbound global request type. It is invoked
// synchronously from the session's request loop, so requests of all types are
// observed in the order the peer sent them; a handler that blocks delays all
// later requests. The returned ok and reply are sent back to the peer when the
// request wants a reply.
type GlobalRequestHandler func(ctx context.Context, payload []byte) (ok bool, reply []byte)

// ChannelOpenHandler handles inbound channel opens of one channel type. Each
// invocation runs in its own goroutine; the handler must accept or reject
// newChannel.
type ChannelOpenHandler func(ctx context.Context, newChannel ssh.NewChannel)

// SessionSettings configures a TunnelSession
type SessionSettings struct {
	// Role selects which side of the tunnel this session plays
	Role TunnelRole

	// HostKey is the private key presented to clients during the handshake.
	// Required for TunnelRoleHost, ignored for TunnelRoleClient.
	HostKey ssh.Signer
}

var lastSessionID int64

// TunnelSession is one live secure connection between a tunnel host and a
// tunnel client, multiplexing global requests and channels over a single byte
// stream. A session is single-use: it is constructed, connected over one
// stream, and discarded when it closes. A reconnect always builds a new
// session.
type TunnelSession struct {
	ShutdownHelper

	id   int64
	name string
	role TunnelRole

	settings SessionSettings

	// lifeCtx is canceled when session shutdown begins; it bounds handler
	// and channel bridging work spawned by this session
	lifeCtx    context.Context
	cancelLife context.CancelFunc

	requestHandlers map[string]GlobalRequestHandler
	channelHandlers map[string]ChannelOpenHandler

	// guarded by ShutdownHelper.Lock
	stream     net.Conn
	sshConn    ssh.Conn
	closeCause error

	channels <-chan ssh.NewChannel
	requests <-chan *ssh.Request
}

// NewTunnelSession creates a disconnected TunnelSession. Handlers must be
// registered before Connect is called.
func NewTunnelSession(logger Logger, settings SessionSettings) *TunnelSession {
	s := &TunnelSession{
		id:              atomic.AddInt64(&lastSessionID, 1),
		role:            settings.Role,
		settings:        settings,
		requestHandlers: make(map[string]GlobalRequestHandler),
		channelHandlers: make(map[string]ChannelOpenHandler),
	}
	s.name = fmt.Sprintf("TunnelSession#%d(%s)", s.id, s.role)
	s.InitShutdownHelper(logger.Fork("%s", s.name), s)
	s.lifeCtx, s.cancelLife = context.WithCancel(context.Background())
	// both sides answer liveness probes
	s.requestHandlers[KeepAliveRequestName] = func(ctx context.Context, payload []byte) (bool, []byte) {
		return true, nil
	}
	return s
}

func (s *TunnelSession) String() string {
	return s.name
}

// Role returns which side of the tunnel this session plays
func (s *TunnelSession) Role() TunnelRole {
	return s.role
}

// SetGlobalRequestHandler registers the handler for inbound global requests of
// the given type, replacing any previous handler. Must be called before
// Connect. Requests of types with no handler are refused.
func (s *TunnelSession) SetGlobalRequestHandler(name string, handler GlobalRequestHandler) {
	s.requestHandlers[name] = handler
}

// SetChannelOpenHandler registers the handler for inbound channel opens of the
// given channel type, replacing any previous handler. Must be called before
// Connect. Opens of types with no handler are rejected.
func (s *TunnelSession) SetChannelOpenHandler(channelType string, handler ChannelOpenHandler) {
	s.channelHandlers[channelType] = handler
}

// Connect performs the secure handshake over stream and starts the session's
// request and channel dispatch loops. The session takes ownership of stream
// and closes it at shutdown. Cancelling ctx aborts an in-progress handshake;
// it does not bound the life of the session afterward. Connect may be called
// at most once.
func (s *TunnelSession) Connect(ctx context.Context, stream net.Conn) error {
	s.Lock.Lock()
	if s.stream != nil {
		s.Lock.Unlock()
		return s.Errorf("session already connected")
	}
	s.stream = stream
	s.Lock.Unlock()

	if s.IsStartedShutdown() {
		stream.Close()
		return s.sessionClosedError()
	}

	// closing the stream is the only way to abort a handshake in progress
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-s.ShutdownStartedChan():
			stream.Close()
		case <-handshakeDone:
		}
	}()

	s.DLogf("Handshaking as %s", s.role)
	var conn ssh.Conn
	var chans <-chan ssh.NewChannel
	var reqs <-chan *ssh.Request
	var err error
	if s.role == TunnelRoleHost {
		config := &ssh.ServerConfig{
			ServerVersion: sessionProtocolVersion,
			NoClientAuth:  true,
		}
		if s.settings.HostKey == nil {
			stream.Close()
			return s.Errorf("host session requires a host key")
		}
		config.AddHostKey(s.settings.HostKey)
		var serverConn *ssh.ServerConn
		serverConn, chans, reqs, err = ssh.NewServerConn(stream, config)
		if serverConn != nil {
			conn = serverConn
		}
	} else {
		config := &ssh.ClientConfig{
			ClientVersion:   sessionProtocolVersion,
			User:            tunnelUsername,
			Auth:            []ssh.AuthMethod{},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		}
		conn, chans, reqs, err = ssh.NewClientConn(stream, "", config)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if s.IsStartedShutdown() {
			err = s.sessionClosedError()
		} else {
			err = s.DLogErrorf("Handshake failed: %s", err)
		}
		s.StartShutdown(err)
		return err
	}

	s.Lock.Lock()
	s.sshConn = conn
	s.channels = chans
	s.requests = reqs
	s.Lock.Unlock()

	if s.IsStartedShutdown() {
		// a close request raced the handshake; honor it
		conn.Close()
		return s.sessionClosedError()
	}

	go s.requestLoop(s.lifeCtx)
	go s.channelLoop(s.lifeCtx)
	go s.watchDisconnect(conn)
	s.DLogf("Session established")
	return nil
}

// watchDisconnect tears the session down when the underlying connection ends
// for any reason, recording the cause so pending operations can report it
func (s *TunnelSession) watchDisconnect(conn ssh.Conn) {
	err := conn.Wait()
	s.Lock.Lock()
	if s.closeCause == nil {
		s.closeCause = err
	}
	s.Lock.Unlock()
	s.StartShutdown(&SessionClosedError{Cause: err})
}

// sessionClosedError builds the error reported to operations attempted on a
// session that has begun shutting down
func (s *TunnelSession) sessionClosedError() error {
	s.Lock.Lock()
	cause := s.closeCause
	s.Lock.Unlock()
	return &SessionClosedError{Cause: cause}
}

func (s *TunnelSession) connection() ssh.Conn {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.sshConn
}

// IsConnected reports whether the session has completed its handshake and has
// not begun shutting down
func (s *TunnelSession) IsConnected() bool {
	return s.connection() != nil && !s.IsStartedShutdown()
}

// requestLoop dispatches inbound global requests one at a time, preserving
// the order the peer sent them
func (s *TunnelSession) requestLoop(ctx context.Context) {
	for req := range s.requests {
		s.dispatchGlobalRequest(ctx, req)
	}
	s.DLogf("End of inbound global request stream")
}

func (s *TunnelSession) dispatchGlobalRequest(ctx context.Context, req *ssh.Request) {
	handler := s.requestHandlers[req.Type]
	if handler == nil {
		s.DLogf("Refusing global request of unsupported type %q", req.Type)
		if req.WantReply {
			if err := req.Reply(false, nil); err != nil {
				s.DLogf("Refusal reply send failed, ignoring: %s", err)
			}
		}
		return
	}
	ok, reply := handler(ctx, req.Payload)
	if req.WantReply {
		if err := req.Reply(ok, reply); err != nil {
			s.DLogf("Reply to %q request failed, ignoring: %s", req.Type, err)
		}
	}
}

// channelLoop dispatches inbound channel opens, each to its own goroutine so
// a slow accept cannot stall the session
func (s *TunnelSession) channelLoop(ctx context.Context) {
	for newChannel := range s.channels {
		handler := s.channelHandlers[newChannel.ChannelType()]
		if handler == nil {
			s.DLogf("Rejecting channel open of unsupported type %q", newChannel.ChannelType())
			go func(nc ssh.NewChannel) {
				if err := nc.Reject(ssh.UnknownChannelType, "unsupported channel type"); err != nil {
					s.DLogf("Channel rejection send failed, ignoring: %s", err)
				}
			}(newChannel)
			continue
		}
		go handler(ctx, newChannel)
	}
	s.DLogf("End of inbound channel open stream")
}

// SendGlobalRequest sends a global request to the peer and, if wantReply is
// true, waits for the peer's reply, returning the peer's ok flag and reply
// payload. Cancelling ctx abandons the wait. A closed session reports
// *SessionClosedError.
func (s *TunnelSession) SendGlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error) {
	conn := s.connection()
	if conn == nil {
		return false, nil, s.Errorf("session is not connected")
	}
	if s.IsStartedShutdown() {
		return false, nil, s.sessionClosedError()
	}

	type sendResult struct {
		ok   bool
		data []byte
		err  error
	}
	resultC := make(chan sendResult, 1)
	go func() {
		ok, data, err := conn.SendRequest(name, wantReply, payload)
		resultC <- sendResult{ok: ok, data: data, err: err}
	}()

	select {
	case r := <-resultC:
		if r.err != nil {
			if s.IsStartedShutdown() {
				return false, nil, s.sessionClosedError()
			}
			return false, nil, s.DLogErrorf("Global request %q failed: %s", name, r.err)
		}
		return r.ok, r.data, nil
	case <-ctx.Done():
		return false, nil, ctx.Err()
	case <-s.ShutdownStartedChan():
		return false, nil, s.sessionClosedError()
	}
}

// OpenChannel opens an application channel of the given type to the peer,
// with open carrying the forwarded destination and origin. The peer's refusal
// is reported as *ChannelOpenRejectedError. Cancelling ctx abandons the open;
// an abandoned channel that the peer later accepts is closed immediately.
func (s *TunnelSession) OpenChannel(ctx context.Context, channelType string, open *PortForwardChannelOpen) (*TunnelConn, error) {
	conn := s.connection()
	if conn == nil {
		return nil, s.Errorf("session is not connected")
	}
	if s.IsStartedShutdown() {
		return nil, s.sessionClosedError()
	}

	type openResult struct {
		channel ssh.Channel
		reqs    <-chan *ssh.Request
		err     error
	}
	resultC := make(chan openResult, 1)
	go func() {
		channel, reqs, err := conn.OpenChannel(channelType, open.Marshal())
		resultC <- openResult{channel: channel, reqs: reqs, err: err}
	}()

	abandon := func() {
		go func() {
			r := <-resultC
			if r.err == nil {
				r.channel.Close()
			}
		}()
	}

	select {
	case r := <-resultC:
		if r.err != nil {
			if openErr, isOpenErr := r.err.(*ssh.OpenChannelError); isOpenErr {
				rejected := &ChannelOpenRejectedError{
					ChannelType: channelType,
					Reason:      uint32(openErr.Reason),
					Message:     openErr.Message,
				}
				s.DLogf("%s", rejected.Error())
				return nil, rejected
			}
			if s.IsStartedShutdown() {
				return nil, s.sessionClosedError()
			}
			return nil, s.DLogErrorf("Channel open %q failed: %s", channelType, r.err)
		}
		go ssh.DiscardRequests(r.reqs)
		tc := NewTunnelConn(s.Logger, channelType, r.channel)
		s.AddShutdownChild(tc)
		return tc, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-s.ShutdownStartedChan():
		abandon()
		return nil, s.sessionClosedError()
	}
}

// AcceptChannel accepts an inbound channel open and wraps it for bridging.
// The channel is closed when the session shuts down, if not before.
func (s *TunnelSession) AcceptChannel(newChannel ssh.NewChannel) (*TunnelConn, error) {
	channel, reqs, err := newChannel.Accept()
	if err != nil {
		return nil, s.DLogErrorf("Channel accept failed: %s", err)
	}
	go ssh.DiscardRequests(reqs)
	tc := NewTunnelConn(s.Logger, newChannel.ChannelType(), channel)
	s.AddShutdownChild(tc)
	return tc, nil
}

// HandleOnceShutdown is called exactly once to tear the session down: the
// multiplexed connection and the underlying stream are closed, terminating
// all channels and both dispatch loops.
func (s *TunnelSession) HandleOnceShutdown(completionErr error) error {
	s.cancelLife()
	s.Lock.Lock()
	conn := s.sshConn
	stream := s.stream
	s.Lock.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if stream != nil {
		stream.Close()
	}
	if completionErr == nil && err != nil {
		completionErr = err
	}
	return completionErr
}
