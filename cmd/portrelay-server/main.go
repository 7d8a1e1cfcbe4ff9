package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	prshare "github.com/portrelay/portrelay/share"
)

func main() {
	flag.Parse()

	logLevel := prshare.StringToLogLevel(cfg.LogLevel)
	if logLevel == prshare.LogLevelUnknown {
		fmt.Fprintf(os.Stderr, "portrelay-server: unknown log level %q\n", cfg.LogLevel)
		os.Exit(2)
	}
	if cfg.AuthConfigPath == "" {
		fmt.Fprintln(os.Stderr, "portrelay-server: -auth-config is required")
		flag.Usage()
		os.Exit(2)
	}
	logger := prshare.NewLogger("portrelay", logLevel)

	server, err := prshare.NewRelayServer(logger, prshare.RelayServerConfig{
		AuthConfigPath:  cfg.AuthConfigPath,
		BaseURL:         cfg.BaseURL,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		RedisDB:         cfg.RedisDB,
		PairWaitTimeout: cfg.PairWait,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
	})
	if err != nil {
		logger.ELogf("Relay setup failed: %s", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
		logger.ELogf("Relay exited: %s", err)
		os.Exit(1)
	}
}
