package prshare

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portrelay/portrelay/pkg/tunnels"
)

func testAuthConfig() *AuthConfig {
	return &AuthConfig{
		JWTSecret: "test-secret",
		Tunnels: []TunnelAuthConfig{
			{
				TunnelID:     "tunnel-a",
				Name:         "build box",
				HostTokens:   []string{"host-token-a"},
				ClientTokens: []string{"client-token-a"},
			},
			{
				TunnelID: "tunnel-b",
			},
		},
	}
}

func newTestAuthority(t *testing.T, config *AuthConfig) *TokenAuthority {
	t.Helper()
	logger := NewLogger("test", LogLevelDebug)
	authority, err := NewStaticTokenAuthority(logger, config)
	if err != nil {
		t.Fatalf("NewStaticTokenAuthority: %v", err)
	}
	t.Cleanup(func() { authority.Shutdown(nil) })
	return authority
}

func refusalStatus(t *testing.T, err error) *RelayConnectionRefusedError {
	t.Helper()
	var refused *RelayConnectionRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("Authorize returned %v, want *RelayConnectionRefusedError", err)
	}
	return refused
}

func TestAuthorizeStaticTokens(t *testing.T) {
	authority := newTestAuthority(t, testAuthConfig())

	if err := authority.Authorize("tunnel-a", tunnels.ScopeHost, "host-token-a"); err != nil {
		t.Errorf("host token refused: %v", err)
	}
	if err := authority.Authorize("tunnel-a", tunnels.ScopeConnect, "client-token-a"); err != nil {
		t.Errorf("client token refused: %v", err)
	}

	// scopes do not bleed into each other
	err := authority.Authorize("tunnel-a", tunnels.ScopeConnect, "host-token-a")
	if got := refusalStatus(t, err); got.StatusCode != http.StatusUnauthorized {
		t.Errorf("host token for connect scope: status %d, want 401", got.StatusCode)
	}

	err = authority.Authorize("tunnel-a", tunnels.ScopeHost, "")
	if got := refusalStatus(t, err); got.StatusCode != http.StatusUnauthorized {
		t.Errorf("empty token: status %d, want 401", got.StatusCode)
	}

	err = authority.Authorize("no-such-tunnel", tunnels.ScopeHost, "host-token-a")
	if got := refusalStatus(t, err); got.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tunnel: status %d, want 404", got.StatusCode)
	}
}

func TestMintedTokenRoundTrip(t *testing.T) {
	authority := newTestAuthority(t, testAuthConfig())

	token, err := authority.MintToken("tunnel-a", []string{tunnels.ScopeConnect})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if err := authority.Authorize("tunnel-a", tunnels.ScopeConnect, token); err != nil {
		t.Errorf("minted token refused: %v", err)
	}

	// the token names its tunnel; another configured tunnel must not accept it
	err = authority.Authorize("tunnel-b", tunnels.ScopeConnect, token)
	refused := refusalStatus(t, err)
	if refused.StatusCode != http.StatusForbidden {
		t.Errorf("wrong tunnel: status %d, want 403", refused.StatusCode)
	}
	if len(refused.PolicyRequirements) != 1 || refused.PolicyRequirements[0] != "tunnel:tunnel-b" {
		t.Errorf("wrong tunnel policy = %v, want [tunnel:tunnel-b]", refused.PolicyRequirements)
	}

	// and its scopes; a connect token cannot attach as a host
	err = authority.Authorize("tunnel-a", tunnels.ScopeHost, token)
	refused = refusalStatus(t, err)
	if refused.StatusCode != http.StatusForbidden {
		t.Errorf("missing scope: status %d, want 403", refused.StatusCode)
	}
	if len(refused.PolicyRequirements) != 1 || refused.PolicyRequirements[0] != "scope:host" {
		t.Errorf("missing scope policy = %v, want [scope:host]", refused.PolicyRequirements)
	}
}

func TestMintingRequiresSecret(t *testing.T) {
	config := testAuthConfig()
	config.JWTSecret = ""
	authority := newTestAuthority(t, config)

	if _, err := authority.MintToken("tunnel-a", []string{tunnels.ScopeConnect}); err == nil {
		t.Error("MintToken succeeded with no jwtSecret configured")
	}

	// with no secret, an unknown token has nothing to fall back to
	err := authority.Authorize("tunnel-a", tunnels.ScopeConnect, "not-a-configured-token")
	if got := refusalStatus(t, err); got.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown token without secret: status %d, want 401", got.StatusCode)
	}
}

func TestAuthorizeRejectsGarbageToken(t *testing.T) {
	authority := newTestAuthority(t, testAuthConfig())
	err := authority.Authorize("tunnel-a", tunnels.ScopeConnect, "not.a.jwt")
	if got := refusalStatus(t, err); got.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d, want 401", got.StatusCode)
	}
}

func TestAuthorizeRejectsExpiredToken(t *testing.T) {
	config := testAuthConfig()
	config.TokenTTL = "-1m"
	authority := newTestAuthority(t, config)

	token, err := authority.MintToken("tunnel-a", []string{tunnels.ScopeConnect})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	err = authority.Authorize("tunnel-a", tunnels.ScopeConnect, token)
	if got := refusalStatus(t, err); got.StatusCode != http.StatusUnauthorized {
		t.Errorf("expired token: status %d, want 401", got.StatusCode)
	}
}

func TestAuthorityRejectsBadTTL(t *testing.T) {
	config := testAuthConfig()
	config.TokenTTL = "soon"
	logger := NewLogger("test", LogLevelDebug)
	if _, err := NewStaticTokenAuthority(logger, config); err == nil {
		t.Error("authority accepted an unparseable tokenTTL")
	}
}

func TestAuthorityRejectsMissingTunnelID(t *testing.T) {
	config := &AuthConfig{Tunnels: []TunnelAuthConfig{{Name: "nameless"}}}
	logger := NewLogger("test", LogLevelDebug)
	if _, err := NewStaticTokenAuthority(logger, config); err == nil {
		t.Error("authority accepted a tunnel entry without a tunnelId")
	}
}

const authConfigYAML = `
jwtSecret: file-secret
tokenTTL: 30m
tunnels:
  - tunnelId: tunnel-file
    name: from disk
    hostTokens: ["hoster"]
    clientTokens: ["caller"]
`

func TestAuthorityLoadsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.yaml")
	if err := os.WriteFile(path, []byte(authConfigYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	logger := NewLogger("test", LogLevelDebug)
	authority, err := NewTokenAuthority(logger, path)
	if err != nil {
		t.Fatalf("NewTokenAuthority: %v", err)
	}
	defer authority.Shutdown(nil)

	if !authority.KnownTunnel("tunnel-file") {
		t.Error("tunnel from file is not known")
	}
	if got := authority.TunnelName("tunnel-file"); got != "from disk" {
		t.Errorf("TunnelName = %q, want %q", got, "from disk")
	}
	if authority.KnownTunnel("other") {
		t.Error("unconfigured tunnel is known")
	}
	if err := authority.Authorize("tunnel-file", tunnels.ScopeHost, "hoster"); err != nil {
		t.Errorf("file host token refused: %v", err)
	}
}

func TestAuthorityRejectsBadFile(t *testing.T) {
	logger := NewLogger("test", LogLevelDebug)
	if _, err := NewTokenAuthority(logger, filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("authority loaded a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("tunnels: \"not a list\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewTokenAuthority(logger, path); err == nil {
		t.Error("authority loaded malformed yaml")
	}
}

func TestAuthorityReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.yaml")
	if err := os.WriteFile(path, []byte(authConfigYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	logger := NewLogger("test", LogLevelDebug)
	authority, err := NewTokenAuthority(logger, path)
	if err != nil {
		t.Fatalf("NewTokenAuthority: %v", err)
	}
	defer authority.Shutdown(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := authority.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := authority.Authorize("tunnel-file", tunnels.ScopeConnect, "rotated"); err == nil {
		t.Fatal("rotated token accepted before rotation")
	}

	rotated := `
tunnels:
  - tunnelId: tunnel-file
    clientTokens: ["rotated"]
`
	if err := os.WriteFile(path, []byte(rotated), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := authority.Authorize("tunnel-file", tunnels.ScopeConnect, "rotated"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("config change never took effect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// the old token is gone along with the old config
	if err := authority.Authorize("tunnel-file", tunnels.ScopeConnect, "caller"); err == nil {
		t.Error("pre-rotation token still accepted")
	}
}
