package tunnels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultRequestTimeout = 30 * time.Second

// maxErrorBodyBytes bounds how much of an error response is kept for the
// error message
const maxErrorBodyBytes = 2048

// HTTPError is a non-2xx response from the management service
type HTTPError struct {
	// StatusCode is the HTTP status code
	StatusCode int

	// RequestID is the X-Request-ID the request was sent with, for
	// correlation with service logs
	RequestID string

	// Body is the response body, truncated
	Body string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("tunnel service returned %d (request %s)", e.StatusCode, e.RequestID)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ClientConfig configures a management service Client
type ClientConfig struct {
	// BaseURL is the management service root, e.g. "https://tunnels.example.com"
	BaseURL string

	// Token is the bearer token presented on every request. Optional;
	// anonymous requests see only public tunnel metadata.
	Token string

	// HTTPClient overrides the underlying HTTP client. Optional.
	HTTPClient *http.Client
}

// Client talks to the tunnel management service
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// NewClient creates a management service client
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("malformed tunnel service URL %q: %w", config.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("tunnel service URL %q must be http or https", config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		baseURL:    base,
		token:      config.Token,
		httpClient: httpClient,
	}, nil
}

// GetTunnelOptions refines a GetTunnel request
type GetTunnelOptions struct {
	// TokenScopes asks the service to mint access tokens for the given
	// scopes and include them in the response
	TokenScopes []string
}

// GetTunnel fetches a tunnel record by ID
func (c *Client) GetTunnel(ctx context.Context, tunnelID string, options *GetTunnelOptions) (*Tunnel, error) {
	if tunnelID == "" {
		return nil, fmt.Errorf("tunnel ID is required")
	}
	query := url.Values{}
	if options != nil && len(options.TokenScopes) > 0 {
		query.Set("tokenScopes", strings.Join(options.TokenScopes, ","))
	}
	tunnel := &Tunnel{}
	if err := c.getJSON(ctx, "/api/v1/tunnels/"+url.PathEscape(tunnelID), query, tunnel); err != nil {
		return nil, err
	}
	return tunnel, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			RequestID:  requestID,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
