package main

import (
	"flag"
	"time"
)

// Config holds relay runtime settings derived from flags.
type Config struct {
	ListenAddr     string
	AuthConfigPath string
	BaseURL        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PairWait       time.Duration
	RateLimit      float64
	RateBurst      int
	LogLevel       string
}

var cfg Config

// init registers flags into the global flag set. main() parses and uses cfg.
func init() {
	flag.StringVar(&cfg.ListenAddr, "listen", ":8080", "relay listen address")
	flag.StringVar(&cfg.AuthConfigPath, "auth-config", "", "path to the YAML authorization config (required)")
	flag.StringVar(&cfg.BaseURL, "base-url", "", "externally visible base URL for minted relay URIs; empty derives it per request")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for host presence; empty keeps presence in-memory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.DurationVar(&cfg.PairWait, "pair-wait", 0, "how long a client connection waits for a host to attach (0 selects the default)")
	flag.Float64Var(&cfg.RateLimit, "rate-limit", 0, "per-IP request rate limit (0 selects the default, negative disables)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", 0, "per-IP request burst (0 selects the default)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: error, warning, info or debug")
}
