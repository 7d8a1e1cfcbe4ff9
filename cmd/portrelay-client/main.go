package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/portrelay/portrelay/pkg/tunnels"
	prshare "github.com/portrelay/portrelay/share"
)

func main() {
	var serviceURL string
	var tunnelID string
	var token string
	var hostID string
	var socksAddr string
	var noLocal bool
	var logLevelName string
	flag.StringVar(&serviceURL, "service", "", "tunnel service base URL (required)")
	flag.StringVar(&tunnelID, "tunnel", "", "tunnel ID to connect to (required)")
	flag.StringVar(&token, "token", "", "bearer token for the tunnel service")
	flag.StringVar(&hostID, "host-id", "", "host to connect to when the tunnel has several")
	flag.StringVar(&socksAddr, "socks", "", "serve a SOCKS5 gateway to forwarded ports on this address, e.g. 127.0.0.1:1080")
	flag.BoolVar(&noLocal, "no-local", false, "do not bind local listeners for forwarded ports")
	flag.StringVar(&logLevelName, "log-level", "info", "log level: error, warning, info or debug")
	flag.Parse()

	logLevel := prshare.StringToLogLevel(logLevelName)
	if logLevel == prshare.LogLevelUnknown {
		fmt.Fprintf(os.Stderr, "portrelay-client: unknown log level %q\n", logLevelName)
		os.Exit(2)
	}
	if serviceURL == "" || tunnelID == "" {
		fmt.Fprintln(os.Stderr, "portrelay-client: -service and -tunnel are required")
		flag.Usage()
		os.Exit(2)
	}
	logger := prshare.NewLogger("portrelay-client", logLevel)

	serviceClient, err := tunnels.NewClient(tunnels.ClientConfig{BaseURL: serviceURL, Token: token})
	if err != nil {
		logger.ELogf("Tunnel service setup failed: %s", err)
		os.Exit(1)
	}

	client, err := prshare.NewTunnelClient(logger, prshare.TunnelClientConfig{
		Source:             prshare.NewTunnelEndpointSource(serviceClient, tunnelID),
		HostID:             hostID,
		NoLocalConnections: noLocal,
	})
	if err != nil {
		logger.ELogf("Client setup failed: %s", err)
		os.Exit(1)
	}
	client.AddPortChangeListener(func(port prshare.ForwardedPort, added bool) {
		switch {
		case !added:
			logger.ILogf("Remote port %d is no longer forwarded", port.RemotePort)
		case port.LocalPort != 0:
			logger.ILogf("Remote port %d forwarded to 127.0.0.1:%d", port.RemotePort, port.LocalPort)
		default:
			logger.ILogf("Remote port %d forwarded", port.RemotePort)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		logger.ELogf("Connect failed: %s", err)
		os.Exit(1)
	}
	logger.ILogf("Connected to tunnel %s", tunnelID)

	var gateway *prshare.SocksGateway
	if socksAddr != "" {
		gateway, err = prshare.NewSocksGateway(logger, client, prshare.SocksGatewayConfig{ListenAddress: socksAddr})
		if err == nil {
			err = gateway.Start(ctx)
		}
		if err != nil {
			_ = client.Shutdown(nil)
			logger.ELogf("SOCKS gateway failed: %s", err)
			os.Exit(1)
		}
		logger.ILogf("SOCKS5 gateway listening on %s", gateway.ListenAddr())
	}

	<-ctx.Done()
	if gateway != nil {
		_ = gateway.Shutdown(nil)
	}
	if err := client.Shutdown(nil); err != nil {
		logger.ELogf("Client exited: %s", err)
		os.Exit(1)
	}
}
