package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/portrelay/portrelay/pkg/tunnels"
	prshare "github.com/portrelay/portrelay/share"
)

// portsFlag collects repeated -port flags.
type portsFlag []uint16

func (p *portsFlag) String() string {
	parts := make([]string, 0, len(*p))
	for _, port := range *p {
		parts = append(parts, strconv.Itoa(int(port)))
	}
	return strings.Join(parts, ",")
}

func (p *portsFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return fmt.Errorf("invalid port %q", s)
	}
	*p = append(*p, uint16(v))
	return nil
}

func main() {
	var serviceURL string
	var tunnelID string
	var token string
	var hostID string
	var keySeed string
	var logLevelName string
	var ports portsFlag
	flag.StringVar(&serviceURL, "service", "", "tunnel service base URL (required)")
	flag.StringVar(&tunnelID, "tunnel", "", "tunnel ID to host (required)")
	flag.StringVar(&token, "token", "", "bearer token for the tunnel service")
	flag.StringVar(&hostID, "host-id", "", "host identity on the tunnel; empty generates one")
	flag.StringVar(&keySeed, "key-seed", "", "seed for a deterministic host key; empty generates a random key")
	flag.Var(&ports, "port", "local TCP port to share with clients (repeatable)")
	flag.StringVar(&logLevelName, "log-level", "info", "log level: error, warning, info or debug")
	flag.Parse()

	logLevel := prshare.StringToLogLevel(logLevelName)
	if logLevel == prshare.LogLevelUnknown {
		fmt.Fprintf(os.Stderr, "portrelay-host: unknown log level %q\n", logLevelName)
		os.Exit(2)
	}
	if serviceURL == "" || tunnelID == "" {
		fmt.Fprintln(os.Stderr, "portrelay-host: -service and -tunnel are required")
		flag.Usage()
		os.Exit(2)
	}
	logger := prshare.NewLogger("portrelay-host", logLevel)

	serviceClient, err := tunnels.NewClient(tunnels.ClientConfig{BaseURL: serviceURL, Token: token})
	if err != nil {
		logger.ELogf("Tunnel service setup failed: %s", err)
		os.Exit(1)
	}

	host, err := prshare.NewTunnelHost(logger, prshare.TunnelHostConfig{
		Source:      prshare.NewTunnelEndpointSource(serviceClient, tunnelID),
		HostID:      hostID,
		HostKeySeed: keySeed,
		Ports:       ports,
	})
	if err != nil {
		logger.ELogf("Host setup failed: %s", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Start(ctx); err != nil {
		logger.ELogf("Host start failed: %s", err)
		os.Exit(1)
	}
	logger.ILogf("Hosting tunnel %s as %s; sharing ports %s", tunnelID, host.HostID(), ports.String())

	<-ctx.Done()
	if err := host.Shutdown(nil); err != nil && !errors.Is(err, context.Canceled) {
		logger.ELogf("Host exited: %s", err)
		os.Exit(1)
	}
}
