package prshare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomasen/realip"
	"golang.org/x/time/rate"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

const (
	// DefaultPairWaitTimeout is how long a connecting client waits for a
	// host to park when none is currently available; it papers over the
	// moment between a host pairing and its immediate re-park
	DefaultPairWaitTimeout = 10 * time.Second

	// DefaultRateLimit and DefaultRateBurst bound per-IP request rates
	DefaultRateLimit = rate.Limit(50)
	DefaultRateBurst = 100

	presenceOpTimeout = 5 * time.Second
)

// relayUpgrader performs the WebSocket upgrade for both roles. The relay is
// not a browser-facing service; tokens, not origins, gate access.
var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{ClientRelaySubProtocol, HostRelaySubProtocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RelayServerConfig configures a RelayServer
type RelayServerConfig struct {
	// AuthConfigPath is the YAML authorization config, hot-reloaded on
	// change. Either this or Auth is required.
	AuthConfigPath string

	// Auth supplies the authorization config inline, without a file
	Auth *AuthConfig

	// BaseURL is the externally visible base URL used when minting relay
	// URIs, e.g. "https://relay.example.com". Empty derives it from each
	// request's Host header.
	BaseURL string

	// RedisAddr selects the Redis presence backend; empty keeps presence
	// in-memory
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PairWaitTimeout is how long a client connection waits for a host to
	// park. 0 selects DefaultPairWaitTimeout; negative disables waiting.
	PairWaitTimeout time.Duration

	// RateLimit and RateBurst bound per-IP request rates. 0 selects the
	// defaults; a negative RateLimit disables limiting.
	RateLimit float64
	RateBurst int
}

// RelayServer is the rendezvous service between tunnel hosts and clients.
// Hosts park WebSocket connections on it; clients claim them; the relay
// couples each pair byte-for-byte without understanding the secured stream
// inside. It also serves a small management API that reports a tunnel's
// online hosts and mints scoped access tokens.
type RelayServer struct {
	ShutdownHelper
	config      RelayServerConfig
	auth        *TokenAuthority
	presence    PresenceStore
	broker      *pairingBroker
	httpServer  *HTTPServer
	httpHandler http.Handler
	connStats   ConnStats
	pairWait    time.Duration

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	presenceMu    sync.Mutex
	presenceCount map[string]int
}

// NewRelayServer creates a RelayServer. It does not listen until Run; the
// handler from Handler can also be mounted on an existing server.
func NewRelayServer(logger Logger, config RelayServerConfig) (*RelayServer, error) {
	s := &RelayServer{
		config:        config,
		broker:        newPairingBroker(),
		limiters:      make(map[string]*rate.Limiter),
		presenceCount: make(map[string]int),
	}
	s.InitShutdownHelper(logger.Fork("RelayServer"), s)

	var auth *TokenAuthority
	var err error
	switch {
	case config.Auth != nil:
		auth, err = NewStaticTokenAuthority(s.Logger, config.Auth)
	case config.AuthConfigPath != "":
		auth, err = NewTokenAuthority(s.Logger, config.AuthConfigPath)
	default:
		return nil, s.Errorf("relay requires an auth config")
	}
	if err != nil {
		return nil, err
	}
	s.auth = auth

	presence, err := NewPresenceStore(s.Logger, config.RedisAddr, config.RedisPassword, config.RedisDB)
	if err != nil {
		return nil, err
	}
	s.presence = presence

	s.pairWait = config.PairWaitTimeout
	if s.pairWait == 0 {
		s.pairWait = DefaultPairWaitTimeout
	} else if s.pairWait < 0 {
		s.pairWait = 0
	}

	s.httpServer = NewHTTPServer(s.Logger)
	s.httpHandler = s.buildHandler()
	return s, nil
}

// Handler returns the relay's HTTP handler, for mounting on an existing
// server or an httptest server
func (s *RelayServer) Handler() http.Handler {
	return s.httpHandler
}

// Run serves the relay on addr until ctx is cancelled or Shutdown is called
func (s *RelayServer) Run(ctx context.Context, addr string) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			if err := s.auth.Start(ctx); err != nil {
				return err
			}
			handler := s.httpHandler
			if s.GetLogLevel() >= LogLevelDebug {
				handler = requestlog.Wrap(handler)
			}
			s.httpHandler = handler
			s.ILogf("Relay listening on %s", addr)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	s.httpServer.ListenAndServe(ctx, addr, s.httpHandler)
	return s.Close()
}

// ListenAddr returns the bound address once Run has bound it
func (s *RelayServer) ListenAddr() string {
	addr := s.httpServer.ListenAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (s *RelayServer) buildHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Get("/tunnels/{tunnelID}/host", s.handleHostAttach)
		r.Get("/tunnels/{tunnelID}/connect", s.handleClientConnect)
		r.Get("/api/v1/tunnels/{tunnelID}", s.handleGetTunnel)
	})
	return r
}

func (s *RelayServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RateLimit < 0 {
			next.ServeHTTP(w, r)
			return
		}
		ip := realip.FromRequest(r)
		if !s.allowRequest(ip) {
			metricRefusalsTotal.WithLabelValues(refusalRateLimited).Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *RelayServer) allowRequest(ip string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.limiters[ip]
	if !ok {
		limit := rate.Limit(s.config.RateLimit)
		if limit == 0 {
			limit = DefaultRateLimit
		}
		burst := s.config.RateBurst
		if burst == 0 {
			burst = DefaultRateBurst
		}
		limiter = rate.NewLimiter(limit, burst)
		s.limiters[ip] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

// requestToken extracts the access token from the Authorization header,
// accepting both the tunnel scheme and Bearer
func requestToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	switch strings.ToLower(parts[0]) {
	case TunnelAuthScheme, "bearer":
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// writeRefusal responds with the refusal's status and policy header, and
// counts it
func (s *RelayServer) writeRefusal(w http.ResponseWriter, err error) {
	refused := &RelayConnectionRefusedError{}
	if !errors.As(err, &refused) {
		refused = &RelayConnectionRefusedError{StatusCode: http.StatusInternalServerError}
	}
	reason := refusalForbidden
	switch refused.StatusCode {
	case http.StatusUnauthorized:
		reason = refusalUnauthenticated
	case http.StatusNotFound:
		reason = refusalUnknownTunnel
	}
	metricRefusalsTotal.WithLabelValues(reason).Inc()
	if len(refused.PolicyRequirements) > 0 {
		w.Header().Set(TunnelPolicyHeader, strings.Join(refused.PolicyRequirements, ", "))
	}
	http.Error(w, http.StatusText(refused.StatusCode), refused.StatusCode)
}

func presenceContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), presenceOpTimeout)
}

// addHostPresence refcounts parked connections per (tunnel, host) so that a
// host re-parking between clients does not flicker out of the presence set
func (s *RelayServer) addHostPresence(tunnelID string, hostID string) {
	key := tunnelID + "/" + hostID
	s.presenceMu.Lock()
	s.presenceCount[key]++
	first := s.presenceCount[key] == 1
	s.presenceMu.Unlock()
	if !first {
		return
	}
	ctx, cancel := presenceContext()
	defer cancel()
	if err := s.presence.AddHost(ctx, HostPresence{TunnelID: tunnelID, HostID: hostID}); err != nil {
		s.WLogf("Could not record presence of host %s: %s", hostID, err)
	}
}

func (s *RelayServer) removeHostPresence(tunnelID string, hostID string) {
	key := tunnelID + "/" + hostID
	s.presenceMu.Lock()
	s.presenceCount[key]--
	last := s.presenceCount[key] <= 0
	if last {
		delete(s.presenceCount, key)
	}
	s.presenceMu.Unlock()
	if !last {
		return
	}
	ctx, cancel := presenceContext()
	defer cancel()
	if err := s.presence.RemoveHost(ctx, tunnelID, hostID); err != nil {
		s.WLogf("Could not remove presence of host %s: %s", hostID, err)
	}
}

func (s *RelayServer) refreshHostPresence(tunnelID string, hostID string) {
	ctx, cancel := presenceContext()
	defer cancel()
	if err := s.presence.RefreshHost(ctx, tunnelID, hostID); err != nil {
		s.DLogf("Could not refresh presence of host %s: %s", hostID, err)
	}
}

// handleHostAttach parks a host connection until a client claims it
func (s *RelayServer) handleHostAttach(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	if err := s.auth.Authorize(tunnelID, tunnels.ScopeHost, requestToken(r)); err != nil {
		s.writeRefusal(w, err)
		return
	}
	hostID := r.URL.Query().Get("hostId")
	if hostID == "" {
		hostID = "host-" + tunnelID
	}

	wsConn, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.DLogf("Host upgrade failed: %s", err)
		return
	}
	s.connStats.New()
	s.connStats.Open()
	defer s.connStats.Close()

	ph := &parkedHost{
		tunnelID: tunnelID,
		hostID:   hostID,
		ws:       wsConn,
		claimedC: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.addHostPresence(tunnelID, hostID)
	defer s.removeHostPresence(tunnelID, hostID)
	s.broker.park(ph)
	s.ILogf("%v Host %s parked on tunnel %s", s.connStats, hostID, tunnelID)

	// while parked, probe the host so a dead connection is withdrawn rather
	// than handed to a client
	ticker := time.NewTicker(hostPresenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ph.claimedC:
			select {
			case <-ph.done:
			case <-s.ShutdownStartedChan():
			}
			return
		case <-ticker.C:
			deadline := time.Now().Add(presenceOpTimeout)
			if err := wsConn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if s.broker.unpark(ph) {
					s.DLogf("Parked host %s went away: %s", hostID, err)
					wsConn.Close()
					return
				}
				// a client claimed it in the race; let the pair decide
				continue
			}
			s.refreshHostPresence(tunnelID, hostID)
		case <-s.ShutdownStartedChan():
			if s.broker.unpark(ph) {
				wsConn.Close()
			}
			return
		}
	}
}

// handleClientConnect claims a parked host for the caller and couples the
// two connections until either side ends
func (s *RelayServer) handleClientConnect(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	if err := s.auth.Authorize(tunnelID, tunnels.ScopeConnect, requestToken(r)); err != nil {
		s.writeRefusal(w, err)
		return
	}
	hostID := r.URL.Query().Get("hostId")

	ph := s.broker.claim(r.Context(), tunnelID, hostID, s.pairWait)
	if ph == nil {
		metricRefusalsTotal.WithLabelValues(refusalNoHost).Inc()
		http.Error(w, "tunnel has no host online", http.StatusNotFound)
		return
	}

	wsConn, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// the claimed connection is already consumed; the host re-attaches
		// on its own
		s.DLogf("Client upgrade failed; dropping host %s: %s", ph.hostID, err)
		ph.ws.Close()
		close(ph.done)
		return
	}
	s.connStats.New()
	s.connStats.Open()
	defer s.connStats.Close()

	s.ILogf("%v Paired client %s with host %s on tunnel %s", s.connStats, realip.FromRequest(r), ph.hostID, tunnelID)
	metricPairingsTotal.Inc()
	metricPairsActive.Inc()
	start := time.Now()

	sent, received := Pipe(NewWebSocketConn(wsConn), NewWebSocketConn(ph.ws))

	metricPairsActive.Dec()
	metricPairSeconds.Observe(time.Since(start).Seconds())
	metricRelayedBytes.Add(float64(sent + received))
	close(ph.done)
	s.DLogf("Pair on tunnel %s ended after %s (%s to host, %s to client)",
		tunnelID, time.Since(start).Round(time.Millisecond), sizestr.ToString(sent), sizestr.ToString(received))
}

// handleGetTunnel reports a tunnel's online hosts as relay endpoints and
// mints access tokens for the requested scopes
func (s *RelayServer) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	token := requestToken(r)

	var scopes []string
	if raw := r.URL.Query().Get("tokenScopes"); raw != "" {
		for _, scope := range strings.Split(raw, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	}
	authScopes := scopes
	if len(authScopes) == 0 {
		authScopes = []string{tunnels.ScopeConnect}
	}
	for _, scope := range authScopes {
		if err := s.auth.Authorize(tunnelID, scope, token); err != nil {
			s.writeRefusal(w, err)
			return
		}
	}

	ctx, cancel := presenceContext()
	defer cancel()
	hosts, err := s.presence.ListHosts(ctx, tunnelID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	base := s.externalBaseURL(r)
	tunnel := &tunnels.Tunnel{
		TunnelID: tunnelID,
		Name:     s.auth.TunnelName(tunnelID),
	}
	for _, host := range hosts {
		tunnel.Endpoints = append(tunnel.Endpoints, tunnels.TunnelEndpoint{
			HostID:         host.HostID,
			ConnectionMode: tunnels.ConnectionModeTunnelRelay,
			ClientRelayURI: base + "/tunnels/" + url.PathEscape(tunnelID) + "/connect?hostId=" + url.QueryEscape(host.HostID),
			HostRelayURI:   base + "/tunnels/" + url.PathEscape(tunnelID) + "/host",
		})
	}
	if containsString(scopes, tunnels.ScopeHost) {
		// hosts need an attachment URI before any endpoint exists
		tunnel.Endpoints = append(tunnel.Endpoints, tunnels.TunnelEndpoint{
			ConnectionMode: tunnels.ConnectionModeTunnelRelay,
			HostRelayURI:   base + "/tunnels/" + url.PathEscape(tunnelID) + "/host",
		})
	}
	if len(scopes) > 0 {
		tunnel.AccessTokens = make(map[string]string, len(scopes))
		for _, scope := range scopes {
			minted, err := s.auth.MintToken(tunnelID, []string{scope})
			if err != nil {
				// no JWT secret configured; the presented token keeps working
				minted = token
			}
			tunnel.AccessTokens[scope] = minted
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tunnel); err != nil {
		s.DLogf("Could not encode tunnel %s: %s", tunnelID, err)
	}
}

func (s *RelayServer) externalBaseURL(r *http.Request) string {
	if s.config.BaseURL != "" {
		return strings.TrimSuffix(s.config.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// HandleOnceShutdown is called exactly once to stop the relay: the listener
// and all parked connections close; in-flight pairs drain on their own
func (s *RelayServer) HandleOnceShutdown(completionErr error) error {
	err := s.httpServer.Close()
	s.broker.closeAll()
	s.auth.Close()
	if perr := s.presence.Close(); perr != nil && err == nil {
		err = perr
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
