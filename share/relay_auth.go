package prshare

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

const defaultMintTTL = time.Hour

// TunnelAuthConfig is the authorization config for one tunnel
type TunnelAuthConfig struct {
	TunnelID string `yaml:"tunnelId"`
	Name     string `yaml:"name,omitempty"`

	// HostTokens and ClientTokens are static tokens accepted for the host
	// and connect scopes respectively
	HostTokens   []string `yaml:"hostTokens,omitempty"`
	ClientTokens []string `yaml:"clientTokens,omitempty"`
}

// AuthConfig is the relay's authorization config, typically loaded from a
// YAML file
type AuthConfig struct {
	// JWTSecret enables HS256 tokens: the relay mints them on behalf of the
	// management API and accepts them alongside static tokens. Empty
	// disables JWT acceptance and minting.
	JWTSecret string `yaml:"jwtSecret,omitempty"`

	// TokenTTL is the lifetime of minted tokens, in time.ParseDuration
	// form, e.g. "30m". Empty selects one hour.
	TokenTTL string `yaml:"tokenTTL,omitempty"`

	Tunnels []TunnelAuthConfig `yaml:"tunnels"`
}

func (c *AuthConfig) findTunnel(tunnelID string) *TunnelAuthConfig {
	for i := range c.Tunnels {
		if c.Tunnels[i].TunnelID == tunnelID {
			return &c.Tunnels[i]
		}
	}
	return nil
}

// relayClaims is the claim set of minted tokens. Subject carries the tunnel
// ID.
type relayClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthority decides which tokens may attach to which tunnels. It
// accepts static per-tunnel tokens from the config file and, when a JWT
// secret is configured, HS256 tokens it minted itself. The config file is
// re-read when it changes on disk, so tokens can be rotated without
// restarting the relay.
type TokenAuthority struct {
	ShutdownHelper
	path string

	// guarded by ShutdownHelper.Lock
	config  *AuthConfig
	mintTTL time.Duration
	watcher *fsnotify.Watcher
}

// NewTokenAuthority loads the YAML config at path. The file is not watched
// until Start.
func NewTokenAuthority(logger Logger, path string) (*TokenAuthority, error) {
	a := &TokenAuthority{path: path}
	a.InitShutdownHelper(logger.Fork("TokenAuthority"), a)
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewStaticTokenAuthority wraps an in-memory config; nothing is watched or
// reloaded
func NewStaticTokenAuthority(logger Logger, config *AuthConfig) (*TokenAuthority, error) {
	a := &TokenAuthority{}
	a.InitShutdownHelper(logger.Fork("TokenAuthority"), a)
	if err := a.apply(config); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *TokenAuthority) load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return a.DLogErrorf("Could not read auth config %s: %s", a.path, err)
	}
	config := &AuthConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return a.DLogErrorf("Malformed auth config %s: %s", a.path, err)
	}
	if err := a.apply(config); err != nil {
		return err
	}
	a.ILogf("Loaded auth config for %d tunnels from %s", len(config.Tunnels), a.path)
	return nil
}

func (a *TokenAuthority) apply(config *AuthConfig) error {
	mintTTL := defaultMintTTL
	if config.TokenTTL != "" {
		ttl, err := time.ParseDuration(config.TokenTTL)
		if err != nil {
			return a.DLogErrorf("Malformed tokenTTL %q: %s", config.TokenTTL, err)
		}
		mintTTL = ttl
	}
	for _, t := range config.Tunnels {
		if t.TunnelID == "" {
			return a.Errorf("auth config has a tunnel without a tunnelId")
		}
	}
	a.Lock.Lock()
	a.config = config
	a.mintTTL = mintTTL
	a.Lock.Unlock()
	return nil
}

func (a *TokenAuthority) snapshot() (*AuthConfig, time.Duration) {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	return a.config, a.mintTTL
}

// Start begins watching the config file for changes. Watching the directory
// rather than the file survives the rename-over-save editors and config
// managers do.
func (a *TokenAuthority) Start(ctx context.Context) error {
	if a.path == "" {
		return nil
	}
	return a.DoOnceActivate(func() error {
		a.ShutdownOnContext(ctx)
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return a.DLogErrorf("Could not create config watcher: %s", err)
		}
		dir := filepath.Dir(a.path)
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return a.DLogErrorf("Could not watch %s: %s", dir, err)
		}
		a.Lock.Lock()
		a.watcher = watcher
		a.Lock.Unlock()
		go a.watchLoop(watcher)
		return nil
	}, false)
}

func (a *TokenAuthority) watchLoop(watcher *fsnotify.Watcher) {
	base := filepath.Base(a.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// a bad edit keeps the previous config in force
			if err := a.load(); err != nil {
				a.WLogf("Auth config reload failed; keeping previous config: %s", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.WLogf("Config watcher error: %s", err)
		}
	}
}

// KnownTunnel reports whether tunnelID is configured
func (a *TokenAuthority) KnownTunnel(tunnelID string) bool {
	config, _ := a.snapshot()
	return config.findTunnel(tunnelID) != nil
}

// TunnelName returns the configured display name for tunnelID, if any
func (a *TokenAuthority) TunnelName(tunnelID string) string {
	config, _ := a.snapshot()
	if t := config.findTunnel(tunnelID); t != nil {
		return t.Name
	}
	return ""
}

// Authorize decides whether token may attach to tunnelID with the given
// scope. A nil return means authorized; otherwise the error is a
// *RelayConnectionRefusedError carrying the HTTP status to refuse with.
func (a *TokenAuthority) Authorize(tunnelID string, scope string, token string) error {
	config, _ := a.snapshot()
	tunnel := config.findTunnel(tunnelID)
	if tunnel == nil {
		return &RelayConnectionRefusedError{StatusCode: http.StatusNotFound}
	}
	if token == "" {
		return &RelayConnectionRefusedError{StatusCode: http.StatusUnauthorized}
	}

	staticTokens := tunnel.ClientTokens
	if scope == tunnels.ScopeHost {
		staticTokens = tunnel.HostTokens
	}
	for _, t := range staticTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nil
		}
	}

	if config.JWTSecret != "" {
		claims, err := a.verifyToken(config.JWTSecret, token)
		if err != nil {
			a.DLogf("Token rejected for tunnel %s: %s", tunnelID, err)
			return &RelayConnectionRefusedError{StatusCode: http.StatusUnauthorized}
		}
		if claims.Subject != tunnelID {
			return &RelayConnectionRefusedError{
				StatusCode:         http.StatusForbidden,
				PolicyRequirements: []string{"tunnel:" + tunnelID},
			}
		}
		if !containsString(claims.Scopes, scope) {
			return &RelayConnectionRefusedError{
				StatusCode:         http.StatusForbidden,
				PolicyRequirements: []string{"scope:" + scope},
			}
		}
		return nil
	}
	return &RelayConnectionRefusedError{StatusCode: http.StatusUnauthorized}
}

// MintToken creates an HS256 token granting the given scopes on tunnelID,
// valid for the configured TTL
func (a *TokenAuthority) MintToken(tunnelID string, scopes []string) (string, error) {
	config, mintTTL := a.snapshot()
	if config.JWTSecret == "" {
		return "", a.Errorf("token minting requires a jwtSecret in the auth config")
	}
	now := time.Now()
	claims := relayClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "portrelay",
			Subject:   tunnelID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(mintTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(config.JWTSecret))
	if err != nil {
		return "", a.DLogErrorf("Could not sign token: %s", err)
	}
	return signed, nil
}

func (a *TokenAuthority) verifyToken(secret string, token string) (*relayClaims, error) {
	claims := &relayClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, a.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, a.Errorf("invalid token")
	}
	return claims, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// HandleOnceShutdown is called exactly once to stop watching the config file
func (a *TokenAuthority) HandleOnceShutdown(completionErr error) error {
	a.Lock.Lock()
	watcher := a.watcher
	a.Lock.Unlock()
	if watcher != nil {
		watcher.Close()
	}
	return completionErr
}
