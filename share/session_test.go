package prshare

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"golang.org/x/crypto/ssh"
)

func newSessionPair(t *testing.T) (*TunnelSession, *TunnelSession) {
	t.Helper()
	logger := NewLogger("test", LogLevelDebug)
	hostKey, err := GenerateHostKey("session-test-seed")
	if err != nil {
		t.Fatalf("GenerateHostKey: %v", err)
	}
	hostSession := NewTunnelSession(logger, SessionSettings{Role: TunnelRoleHost, HostKey: hostKey})
	clientSession := NewTunnelSession(logger, SessionSettings{Role: TunnelRoleClient})
	t.Cleanup(func() {
		clientSession.StartShutdown(nil)
		hostSession.StartShutdown(nil)
		clientSession.WaitShutdown()
		hostSession.WaitShutdown()
	})
	return hostSession, clientSession
}

// connectSessions performs the secure handshake between two sessions over an
// in-memory pipe. Handlers must already be registered.
func connectSessions(t *testing.T, hostSession, clientSession *TunnelSession) {
	t.Helper()
	// net.Pipe is unbuffered and synchronous, so it deadlocks here: both
	// handshake sides write their version line before reading. A unix
	// socketpair is an in-memory duplex conn with kernel buffering.
	hostEnd, clientEnd, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	errC := make(chan error, 1)
	go func() {
		errC <- hostSession.Connect(context.Background(), hostEnd)
	}()
	if err := clientSession.Connect(context.Background(), clientEnd); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	select {
	case err := <-errC:
		if err != nil {
			t.Fatalf("host handshake: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("host handshake did not complete")
	}
}

func TestSessionGlobalRequests(t *testing.T) {
	hostSession, clientSession := newSessionPair(t)

	refreshed := make(chan []byte, 1)
	hostSession.SetGlobalRequestHandler(RefreshPortsRequestName, func(ctx context.Context, payload []byte) (bool, []byte) {
		refreshed <- payload
		return true, nil
	})
	connectSessions(t, hostSession, clientSession)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// both sides answer liveness probes out of the box
	ok, _, err := clientSession.SendGlobalRequest(ctx, KeepAliveRequestName, true, nil)
	if err != nil || !ok {
		t.Fatalf("keep-alive probe: ok=%v err=%v", ok, err)
	}
	ok, _, err = hostSession.SendGlobalRequest(ctx, KeepAliveRequestName, true, nil)
	if err != nil || !ok {
		t.Fatalf("reverse keep-alive probe: ok=%v err=%v", ok, err)
	}

	// a registered handler sees the payload and its ok makes it back
	ok, _, err = clientSession.SendGlobalRequest(ctx, RefreshPortsRequestName, true, []byte("x"))
	if err != nil || !ok {
		t.Fatalf("refresh request: ok=%v err=%v", ok, err)
	}
	select {
	case payload := <-refreshed:
		if string(payload) != "x" {
			t.Errorf("handler payload = %q, want %q", payload, "x")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	// requests of an unregistered type are refused, not dropped
	ok, _, err = clientSession.SendGlobalRequest(ctx, "no-such-request", true, nil)
	if err != nil {
		t.Fatalf("unsupported request: %v", err)
	}
	if ok {
		t.Error("unsupported request type was accepted")
	}
}

func TestSessionChannelDataFlow(t *testing.T) {
	hostSession, clientSession := newSessionPair(t)

	hostSession.SetChannelOpenHandler(DirectChannelType, func(ctx context.Context, newChannel ssh.NewChannel) {
		tc, err := hostSession.AcceptChannel(newChannel)
		if err != nil {
			t.Errorf("AcceptChannel: %v", err)
			return
		}
		// echo until the peer half-closes, then half-close back
		io.Copy(tc, tc)
		tc.CloseWrite()
	})
	connectSessions(t, hostSession, clientSession)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	open := &PortForwardChannelOpen{
		DestAddress:   "127.0.0.1",
		DestPort:      1234,
		OriginAddress: "127.0.0.1",
		OriginPort:    9,
	}
	tc, err := clientSession.OpenChannel(ctx, DirectChannelType, open)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer tc.Close()

	msg := []byte("hello across the tunnel")
	if _, err := tc.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tc.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	echoed, err := io.ReadAll(tc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(echoed) != string(msg) {
		t.Errorf("echoed %q, want %q", echoed, msg)
	}
	if got := tc.GetNumBytesWritten(); got != int64(len(msg)) {
		t.Errorf("bytes written = %d, want %d", got, len(msg))
	}
	if got := tc.GetNumBytesRead(); got != int64(len(msg)) {
		t.Errorf("bytes read = %d, want %d", got, len(msg))
	}
}

func TestSessionChannelOpenUnsupportedType(t *testing.T) {
	hostSession, clientSession := newSessionPair(t)
	connectSessions(t, hostSession, clientSession)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	open := &PortForwardChannelOpen{DestAddress: "127.0.0.1", DestPort: 1}
	_, err := clientSession.OpenChannel(ctx, ForwardedChannelType, open)
	var rejected *ChannelOpenRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("OpenChannel returned %v, want *ChannelOpenRejectedError", err)
	}
	if rejected.ChannelType != ForwardedChannelType {
		t.Errorf("rejected channel type = %q, want %q", rejected.ChannelType, ForwardedChannelType)
	}
	if rejected.Reason != uint32(ssh.UnknownChannelType) {
		t.Errorf("rejection reason = %d, want UnknownChannelType", rejected.Reason)
	}
}

func TestSessionPeerCloseTearsDown(t *testing.T) {
	hostSession, clientSession := newSessionPair(t)
	connectSessions(t, hostSession, clientSession)

	clientSession.Shutdown(nil)

	done := make(chan error, 1)
	go func() { done <- hostSession.WaitShutdown() }()
	select {
	case err := <-done:
		var closed *SessionClosedError
		if !errors.As(err, &closed) {
			t.Errorf("host session completion = %v, want *SessionClosedError", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("host session did not notice the peer closing")
	}

	// operations on the closed session fail, and report the closure
	_, _, err := clientSession.SendGlobalRequest(context.Background(), KeepAliveRequestName, true, nil)
	if err == nil {
		t.Error("SendGlobalRequest on a closed session succeeded")
	}
}

func TestSessionConnectAfterShutdown(t *testing.T) {
	logger := NewLogger("test", LogLevelDebug)
	session := NewTunnelSession(logger, SessionSettings{Role: TunnelRoleClient})
	session.Shutdown(nil)

	end1, end2 := net.Pipe()
	defer end2.Close()
	if err := session.Connect(context.Background(), end1); err == nil {
		t.Error("Connect on a shut-down session succeeded")
	}
}

func TestSessionConnectCancelled(t *testing.T) {
	logger := NewLogger("test", LogLevelDebug)
	session := NewTunnelSession(logger, SessionSettings{Role: TunnelRoleClient})
	defer func() {
		session.StartShutdown(nil)
		session.WaitShutdown()
	}()

	// the peer never speaks, so only cancellation can end the handshake
	end1, end2 := net.Pipe()
	defer end2.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := session.Connect(ctx, end1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Connect returned %v, want context.Canceled", err)
	}
}

func TestSessionHostRequiresKey(t *testing.T) {
	logger := NewLogger("test", LogLevelDebug)
	session := NewTunnelSession(logger, SessionSettings{Role: TunnelRoleHost})
	end1, end2 := net.Pipe()
	defer end2.Close()
	if err := session.Connect(context.Background(), end1); err == nil {
		t.Error("host session with no key connected")
	}
}
