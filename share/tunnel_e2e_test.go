package prshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

// startEchoServer runs a local TCP service that echoes every byte, standing in
// for the service a tunnel host shares
func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

// newServiceClient builds a management API client against the relay's own
// management endpoints
func newServiceClient(t *testing.T, ts *httptest.Server, token string) *tunnels.Client {
	t.Helper()
	client, err := tunnels.NewClient(tunnels.ClientConfig{BaseURL: ts.URL, Token: token})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

// startTunnelHost brings a host online on tunnel-a and waits until its
// endpoint is visible to clients
func startTunnelHost(t *testing.T, ctx context.Context, ts *httptest.Server, ports []uint16) *TunnelHost {
	t.Helper()
	logger := NewLogger("test", LogLevelDebug)
	host, err := NewTunnelHost(logger, TunnelHostConfig{
		Source:      NewTunnelEndpointSource(newServiceClient(t, ts, "host-token-a"), "tunnel-a"),
		HostID:      "host-e2e",
		HostKeySeed: "e2e-seed",
		Ports:       ports,
	})
	if err != nil {
		t.Fatalf("NewTunnelHost: %v", err)
	}
	t.Cleanup(func() { host.Shutdown(nil) })
	if err := host.Start(ctx); err != nil {
		t.Fatalf("host Start: %v", err)
	}

	service := newServiceClient(t, ts, "client-token-a")
	deadline := time.Now().Add(10 * time.Second)
	for {
		tunnel, err := service.GetTunnel(ctx, "tunnel-a", nil)
		if err == nil && len(tunnel.Endpoints) > 0 {
			return host
		}
		if time.Now().After(deadline) {
			t.Fatalf("host endpoint never appeared (last err %v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTunnelTestClient(t *testing.T, ts *httptest.Server, config TunnelClientConfig) *TunnelClient {
	t.Helper()
	logger := NewLogger("test", LogLevelDebug)
	if config.Source == nil {
		config.Source = NewTunnelEndpointSource(newServiceClient(t, ts, "client-token-a"), "tunnel-a")
	}
	client, err := NewTunnelClient(logger, config)
	if err != nil {
		t.Fatalf("NewTunnelClient: %v", err)
	}
	t.Cleanup(func() { client.Shutdown(nil) })
	return client
}

// remotePortEvent is a port change collapsed to what a test can predict: the
// remote port and the direction. The local port is whatever the client could
// bind.
type remotePortEvent struct {
	port  uint16
	added bool
}

func waitPortEvent(t *testing.T, events <-chan remotePortEvent, want remotePortEvent) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case got := <-events:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("port event %+v never arrived", want)
		}
	}
}

// exchange writes msg into conn and expects it echoed back
func exchange(t *testing.T, conn io.ReadWriter, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echoed %q, want %q", buf, msg)
	}
}

func TestTunnelEndToEnd(t *testing.T) {
	echoPort := startEchoServer(t)
	_, ts := newTestRelay(t, RelayServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	host := startTunnelHost(t, ctx, ts, []uint16{echoPort})

	client := newTunnelTestClient(t, ts, TunnelClientConfig{HostID: "host-e2e"})
	events := make(chan remotePortEvent, 16)
	client.AddPortChangeListener(func(port ForwardedPort, added bool) {
		events <- remotePortEvent{port: port.RemotePort, added: added}
	})
	var statusMu sync.Mutex
	var statuses []ConnectionStatus
	client.AddStatusChangeListener(func(oldStatus, newStatus ConnectionStatus) {
		statusMu.Lock()
		statuses = append(statuses, newStatus)
		statusMu.Unlock()
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := client.Status(); got != ConnectionStatusConnected {
		t.Errorf("status after Connect = %s", got)
	}

	// the host's shared port arrives and gets a local listener; the shared
	// port itself is taken by the echo service on this machine, so the
	// listener lands on a nearby port
	if err := client.WaitForForwardedPort(ctx, echoPort); err != nil {
		t.Fatalf("WaitForForwardedPort: %v", err)
	}
	waitPortEvent(t, events, remotePortEvent{port: echoPort, added: true})
	ports := client.ForwardedPorts()
	if len(ports) != 1 || ports[0].RemotePort != echoPort {
		t.Fatalf("ForwardedPorts = %v", ports)
	}
	localPort := ports[0].LocalPort
	if localPort == 0 || localPort == echoPort {
		t.Fatalf("local listener landed on %d (shared port %d is occupied)", localPort, echoPort)
	}

	// bytes travel local listener -> client -> relay -> host -> service
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatalf("dial forwarded listener: %v", err)
	}
	exchange(t, conn, "hello through the local listener")
	conn.Close()

	// and the listener-less path works too
	tc, err := client.ConnectToForwardedPort(ctx, echoPort)
	if err != nil || tc == nil {
		t.Fatalf("ConnectToForwardedPort: conn=%v err=%v", tc, err)
	}
	exchange(t, tc, "hello through a direct channel")
	tc.Close()

	if got := host.ClientCount(); got != 1 {
		t.Errorf("host ClientCount = %d, want 1", got)
	}

	// a port added while the client is connected is advertised live
	echo2Port := startEchoServer(t)
	if err := host.AddPort(ctx, echo2Port); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	waitPortEvent(t, events, remotePortEvent{port: echo2Port, added: true})
	tc, err = client.ConnectToForwardedPort(ctx, echo2Port)
	if err != nil || tc == nil {
		t.Fatalf("ConnectToForwardedPort(added port): conn=%v err=%v", tc, err)
	}
	exchange(t, tc, "hello on the late port")
	tc.Close()

	// refreshing must not duplicate registrations, however often it runs
	for i := 0; i < 2; i++ {
		if err := client.RefreshPorts(ctx); err != nil {
			t.Fatalf("RefreshPorts (call %d): %v", i+1, err)
		}
	}
	if got := len(client.ForwardedPorts()); got != 2 {
		t.Errorf("ports after refresh = %d, want 2", got)
	}

	// withdrawing a port tears down the client's listener
	if err := host.RemovePort(ctx, echoPort); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}
	waitPortEvent(t, events, remotePortEvent{port: echoPort, added: false})
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
		if err != nil {
			break
		}
		conn.Close()
		if time.Now().After(deadline) {
			t.Fatal("withdrawn port still accepting connections")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if tc, err := client.ConnectToForwardedPort(ctx, echoPort); err != nil || tc != nil {
		t.Errorf("ConnectToForwardedPort(withdrawn) = %v, %v; want nil, nil", tc, err)
	}

	// a deliberate close walks the status machine to Closed and empties the
	// port set, with a removal event per port
	if err := client.Shutdown(nil); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	waitPortEvent(t, events, remotePortEvent{port: echo2Port, added: false})
	if got := client.Status(); got != ConnectionStatusClosed {
		t.Errorf("status after Shutdown = %s", got)
	}
	statusMu.Lock()
	saw := append([]ConnectionStatus(nil), statuses...)
	statusMu.Unlock()
	wantOrder := []ConnectionStatus{ConnectionStatusConnecting, ConnectionStatusConnected, ConnectionStatusDisconnecting, ConnectionStatusClosed}
	idx := 0
	for _, s := range saw {
		if idx < len(wantOrder) && s == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Errorf("status transitions %v missing expected order %v", saw, wantOrder)
	}

	// the host notices the client going away
	deadline = time.Now().Add(10 * time.Second)
	for host.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("host still counts %d clients", host.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTunnelClientReconnects(t *testing.T) {
	echoPort := startEchoServer(t)
	_, ts := newTestRelay(t, RelayServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	startTunnelHost(t, ctx, ts, []uint16{echoPort})
	client := newTunnelTestClient(t, ts, TunnelClientConfig{HostID: "host-e2e"})
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.WaitForForwardedPort(ctx, echoPort); err != nil {
		t.Fatalf("WaitForForwardedPort: %v", err)
	}

	// kill the secure session out from under the client, as a dropped network
	// would
	session := client.currentSession()
	if session == nil {
		t.Fatal("no live session")
	}
	session.StartShutdown(session.Errorf("simulated network drop"))

	deadline := time.Now().Add(30 * time.Second)
	for {
		replacement := client.currentSession()
		if replacement != nil && replacement != session && client.Status() == ConnectionStatusConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never reconnected; status %s", client.Status())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// the reconnected session carries the forwarded ports again
	if err := client.WaitForForwardedPort(ctx, echoPort); err != nil {
		t.Fatalf("WaitForForwardedPort after reconnect: %v", err)
	}
	tc, err := client.ConnectToForwardedPort(ctx, echoPort)
	if err != nil || tc == nil {
		t.Fatalf("ConnectToForwardedPort after reconnect: conn=%v err=%v", tc, err)
	}
	exchange(t, tc, "hello after reconnecting")
	tc.Close()
}

func TestTunnelClientFailsFastWithNoHosts(t *testing.T) {
	_, ts := newTestRelay(t, RelayServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newTunnelTestClient(t, ts, TunnelClientConfig{})
	err := client.Connect(ctx)
	var noHosts *NoTunnelHostsError
	if !errors.As(err, &noHosts) {
		t.Fatalf("Connect returned %v, want *NoTunnelHostsError", err)
	}
	if got := client.Status(); got != ConnectionStatusDisconnected {
		t.Errorf("status after failed Connect = %s", got)
	}
}

func TestTunnelClientFailsFastWhenAmbiguous(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source := &StaticEndpointSource{Access: TunnelAccess{
		Endpoints: []RelayEndpoint{
			{HostID: "host-1", ConnectionMode: ConnectionModeRelay, ClientRelayURI: "http://127.0.0.1:1/tunnels/t/connect"},
			{HostID: "host-2", ConnectionMode: ConnectionModeRelay, ClientRelayURI: "http://127.0.0.1:1/tunnels/t/connect"},
		},
		AccessToken: "irrelevant",
	}}
	logger := NewLogger("test", LogLevelDebug)
	client, err := NewTunnelClient(logger, TunnelClientConfig{Source: source})
	if err != nil {
		t.Fatalf("NewTunnelClient: %v", err)
	}
	defer client.Shutdown(nil)

	err = client.Connect(ctx)
	var ambiguous *AmbiguousTunnelHostsError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("Connect returned %v, want *AmbiguousTunnelHostsError", err)
	}
	if ambiguous.HostCount != 2 {
		t.Errorf("HostCount = %d, want 2", ambiguous.HostCount)
	}
}

func TestTunnelClientFailsFastOnPolicyRefusal(t *testing.T) {
	_, ts := newTestRelay(t, RelayServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a token minted for another tunnel draws a policy refusal, which no
	// amount of retrying can fix
	minter := newTestAuthority(t, testAuthConfig())
	token, err := minter.MintToken("tunnel-b", []string{tunnels.ScopeConnect})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	source := &StaticEndpointSource{Access: TunnelAccess{
		Endpoints: []RelayEndpoint{{
			HostID:         "host-1",
			ConnectionMode: ConnectionModeRelay,
			ClientRelayURI: ts.URL + "/tunnels/tunnel-a/connect",
		}},
		AccessToken: token,
	}}
	client := newTunnelTestClient(t, ts, TunnelClientConfig{Source: source})

	start := time.Now()
	err = client.Connect(ctx)
	var refused *RelayConnectionRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("Connect returned %v, want *RelayConnectionRefusedError", err)
	}
	if refused.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", refused.StatusCode)
	}
	if len(refused.PolicyRequirements) == 0 {
		t.Error("refusal carries no policy requirements")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("policy refusal took %s; it should not be retried", elapsed)
	}
}

func TestTunnelClientRetryDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source := &StaticEndpointSource{Access: TunnelAccess{
		Endpoints: []RelayEndpoint{{
			HostID:         "host-1",
			ConnectionMode: ConnectionModeRelay,
			ClientRelayURI: "http://127.0.0.1:1/tunnels/t/connect",
		}},
		AccessToken: "irrelevant",
	}}
	logger := NewLogger("test", LogLevelDebug)
	client, err := NewTunnelClient(logger, TunnelClientConfig{Source: source, MaxRetryCount: -1})
	if err != nil {
		t.Fatalf("NewTunnelClient: %v", err)
	}
	defer client.Shutdown(nil)

	start := time.Now()
	if err := client.Connect(ctx); err == nil {
		t.Fatal("Connect to an unreachable relay succeeded")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("single attempt took %s; retries were disabled", elapsed)
	}
	if got := client.Status(); got != ConnectionStatusDisconnected {
		t.Errorf("status = %s, want Disconnected", got)
	}
}

func TestTunnelClientConnectGuards(t *testing.T) {
	echoPort := startEchoServer(t)
	_, ts := newTestRelay(t, RelayServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	startTunnelHost(t, ctx, ts, []uint16{echoPort})
	client := newTunnelTestClient(t, ts, TunnelClientConfig{HostID: "host-e2e"})
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// a second Connect while connected is refused
	if err := client.Connect(ctx); err == nil {
		t.Error("Connect while connected succeeded")
	}

	client.Shutdown(nil)
	if err := client.Connect(ctx); err == nil {
		t.Error("Connect after Close succeeded")
	}
}
