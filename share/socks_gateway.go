package prshare

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"strconv"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"
)

// DefaultSocksListenAddress is where the SOCKS5 gateway listens when no
// address is configured
const DefaultSocksListenAddress = "127.0.0.1:1080"

// portConnector is the slice of TunnelClient the gateway needs; the
// forwarding service satisfies it too, which keeps tests off the network
type portConnector interface {
	ConnectToForwardedPort(ctx context.Context, remotePort uint16) (*TunnelConn, error)
}

// SocksGatewayConfig configures a SocksGateway
type SocksGatewayConfig struct {
	// ListenAddress is the local address to serve SOCKS5 on. Empty selects
	// DefaultSocksListenAddress; a ":0" port picks an ephemeral port.
	ListenAddress string
}

// SocksGateway serves SOCKS5 on a local port and routes connect requests
// addressed to loopback into the tunnel's forwarded ports, so unmodified
// SOCKS-capable tools can reach host services without one local listener per
// port. Requests for hosts other than loopback, or for ports the host has
// not forwarded, are refused.
type SocksGateway struct {
	ShutdownHelper
	connector   portConnector
	address     string
	socksServer *socks5.Server
	connStats   ConnStats

	// guarded by ShutdownHelper.Lock
	listener net.Listener
}

// NewSocksGateway creates a SOCKS5 gateway over connector. It does not
// listen until Start.
func NewSocksGateway(logger Logger, connector portConnector, config SocksGatewayConfig) (*SocksGateway, error) {
	address := config.ListenAddress
	if address == "" {
		address = DefaultSocksListenAddress
	}
	g := &SocksGateway{
		connector: connector,
		address:   address,
	}
	g.InitShutdownHelper(logger.Fork("SocksGateway"), g)

	socksConfig := &socks5.Config{
		Dial: g.dialForwardedPort,
	}
	if g.GetLogLevel() >= LogLevelDebug {
		socksConfig.Logger = log.New(os.Stdout, "[socks]", log.Ldate|log.Ltime)
	} else {
		socksConfig.Logger = log.New(io.Discard, "", 0)
	}
	socksServer, err := socks5.New(socksConfig)
	if err != nil {
		return nil, g.DLogErrorf("Could not create SOCKS5 server: %s", err)
	}
	g.socksServer = socksServer
	return g, nil
}

// Start binds the local listener and begins serving SOCKS5. Cancelling ctx
// closes the gateway.
func (g *SocksGateway) Start(ctx context.Context) error {
	return g.DoOnceActivate(func() error {
		g.ShutdownOnContext(ctx)
		listener, err := net.Listen("tcp", g.address)
		if err != nil {
			return g.DLogErrorf("Could not listen on %s: %s", g.address, err)
		}
		g.Lock.Lock()
		g.listener = listener
		g.Lock.Unlock()
		g.ILogf("SOCKS5 gateway listening on %s", listener.Addr())
		go g.acceptLoop()
		return nil
	}, false)
}

// ListenAddr returns the bound listener address, nil before Start
func (g *SocksGateway) ListenAddr() net.Addr {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *SocksGateway) acceptLoop() {
	g.Lock.Lock()
	listener := g.listener
	g.Lock.Unlock()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !g.IsStartedShutdown() {
				g.StartShutdown(g.DLogErrorf("Accept failed: %s", err))
			}
			return
		}
		g.connStats.New()
		go func() {
			g.connStats.Open()
			defer g.connStats.Close()
			defer conn.Close()
			if err := g.socksServer.ServeConn(conn); err != nil {
				g.DLogf("SOCKS session from %s ended: %s", conn.RemoteAddr(), err)
			}
		}()
	}
}

// dialForwardedPort satisfies the SOCKS5 server's dialer by opening a tunnel
// stream to the requested forwarded port. A socket pair gives the SOCKS
// server the net.Conn it expects while the other end is bridged to the
// tunnel stream.
func (g *SocksGateway) dialForwardedPort(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, g.Errorf("network %q is not supported", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, g.Errorf("malformed address %q", addr)
	}
	if !isLoopbackHost(host) {
		return nil, g.Errorf("%q is not a tunnel address; only loopback is reachable through the tunnel", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, g.Errorf("malformed port %q", portStr)
	}

	tunnelConn, err := g.connector.ConnectToForwardedPort(ctx, uint16(port))
	if err != nil {
		return nil, err
	}
	if tunnelConn == nil {
		return nil, g.Errorf("port %d is not forwarded", port)
	}

	local, remote, err := socketpair.New("unix")
	if err != nil {
		tunnelConn.Close()
		return nil, g.DLogErrorf("Could not create socketpair: %s", err)
	}
	bridgeEnd := NewSocketConn(g.Logger, local)
	// the bridge outlives the SOCKS handshake that requested it
	go BridgeChannels(context.Background(), g.Logger, bridgeEnd, tunnelConn)
	return remote, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleOnceShutdown is called exactly once to stop the gateway; in-flight
// SOCKS sessions are left to drain on their own
func (g *SocksGateway) HandleOnceShutdown(completionErr error) error {
	g.Lock.Lock()
	listener := g.listener
	g.Lock.Unlock()
	if listener != nil {
		listener.Close()
	}
	return completionErr
}
