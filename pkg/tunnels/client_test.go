package tunnels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClientValidatesURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "://nope"}); err == nil {
		t.Error("NewClient accepted a malformed URL")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "ftp://tunnels.example.com"}); err == nil {
		t.Error("NewClient accepted a non-http scheme")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "https://tunnels.example.com"}); err != nil {
		t.Errorf("NewClient rejected a good URL: %v", err)
	}
}

func TestGetTunnel(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotAccept, gotRequestID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&Tunnel{
			TunnelID: "my-tunnel",
			Name:     "dev box",
			Endpoints: []TunnelEndpoint{{
				HostID:         "h1",
				ConnectionMode: ConnectionModeTunnelRelay,
				ClientRelayURI: "https://relay.example.com/tunnels/my-tunnel/connect",
			}},
			AccessTokens: map[string]string{ScopeConnect: "minted"},
		})
	}))
	defer ts.Close()

	client, err := NewClient(ClientConfig{BaseURL: ts.URL, Token: "my-token"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	tunnel, err := client.GetTunnel(context.Background(), "my-tunnel", &GetTunnelOptions{
		TokenScopes: []string{ScopeConnect, ScopeHost},
	})
	if err != nil {
		t.Fatalf("GetTunnel: %v", err)
	}

	if gotPath != "/api/v1/tunnels/my-tunnel" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "tokenScopes=connect%2Chost" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer my-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotRequestID == "" {
		t.Error("no X-Request-ID was sent")
	}

	if tunnel.TunnelID != "my-tunnel" || tunnel.Name != "dev box" {
		t.Errorf("tunnel = %q/%q", tunnel.TunnelID, tunnel.Name)
	}
	if len(tunnel.Endpoints) != 1 || tunnel.Endpoints[0].HostID != "h1" {
		t.Errorf("endpoints = %v", tunnel.Endpoints)
	}
	if tunnel.AccessTokens[ScopeConnect] != "minted" {
		t.Errorf("access tokens = %v", tunnel.AccessTokens)
	}
}

func TestGetTunnelEscapesID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(&Tunnel{})
	}))
	defer ts.Close()

	client, _ := NewClient(ClientConfig{BaseURL: ts.URL})
	if _, err := client.GetTunnel(context.Background(), "a/b", nil); err != nil {
		t.Fatalf("GetTunnel: %v", err)
	}
	// a slash in the ID must stay inside one path segment
	if gotPath == "/api/v1/tunnels/a/b" {
		t.Errorf("path = %q, tunnel ID leaked into the path structure", gotPath)
	}
}

func TestGetTunnelRequiresID(t *testing.T) {
	client, _ := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.GetTunnel(context.Background(), "", nil); err == nil {
		t.Error("GetTunnel accepted an empty tunnel ID")
	}
}

func TestGetTunnelHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such tunnel", http.StatusNotFound)
	}))
	defer ts.Close()

	client, _ := NewClient(ClientConfig{BaseURL: ts.URL})
	_, err := client.GetTunnel(context.Background(), "absent", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("GetTunnel returned %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", httpErr.StatusCode)
	}
	if httpErr.Body != "no such tunnel" {
		t.Errorf("Body = %q", httpErr.Body)
	}
	if httpErr.RequestID == "" {
		t.Error("error carries no request ID")
	}
}

func TestGetTunnelBaseURLWithPath(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(&Tunnel{})
	}))
	defer ts.Close()

	// a base URL mounted under a path prefix keeps the prefix
	client, err := NewClient(ClientConfig{BaseURL: ts.URL + "/svc/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.GetTunnel(context.Background(), "x", nil); err != nil {
		t.Fatalf("GetTunnel: %v", err)
	}
	if gotPath != "/svc/api/v1/tunnels/x" {
		t.Errorf("path = %q", gotPath)
	}
}
