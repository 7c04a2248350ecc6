package displaycore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// ============================================================================
// Endpoints
// ============================================================================

const (
	DefaultTimeout = 30 * time.Second

	pathContent     = "/api/screen/content"
	pathPrayerTimes = "/api/screen/prayer-times"
	pathEvents      = "/api/screen/events"
	pathSyncStatus  = "/api/screen/sync-status"
	pathHeartbeat   = "/api/screen/heartbeat"
)

var domainPaths = map[SyncDomain]string{
	DomainContent:     pathContent,
	DomainPrayerTimes: pathPrayerTimes,
	DomainEvents:      pathEvents,
}

// ============================================================================
// Client
// ============================================================================

type cachedResponse struct {
	etag string
	body []byte
}

// Client talks to the HTTP sync endpoints.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     zerolog.Logger

	cacheMu sync.Mutex
	cache   map[string]cachedResponse
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l.With().Str("component", "http").Logger() }
}

// WithHTTP2 installs a transport configured for HTTP/2 over TLS.
func WithHTTP2() ClientOption {
	return func(c *Client) {
		t := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		if err := http2.ConfigureTransport(t); err != nil {
			c.logger.Warn().Err(err).Msg("http2 unavailable, using http/1.1")
		}
		c.httpClient.Transport = t
	}
}

// NewClient creates a sync client authenticated with creds.
func NewClient(creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
		cache:  make(map[string]cachedResponse),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the underlying client so transports can share it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// SetCredentials replaces the identity used for subsequent requests.
func (c *Client) SetCredentials(creds Credentials) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.creds = creds
}

// ClearCache forgets every conditional-request validator.
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]cachedResponse)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.cacheMu.Lock()
	creds := c.creds
	cached, hasCached := c.cache[path]
	c.cacheMu.Unlock()

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}
	if creds.ScreenID != "" {
		req.Header.Set("X-Screen-ID", creds.ScreenID)
	}
	if creds.MasjidID != "" {
		req.Header.Set("X-Masjid-ID", creds.MasjidID)
	}
	if method == http.MethodGet && hasCached && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotModified && hasCached {
		c.logger.Debug().Str("path", path).Msg("not modified, serving cached body")
		return cached.body, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}

	if method == http.MethodGet {
		if etag := resp.Header.Get("ETag"); etag != "" {
			c.cacheMu.Lock()
			c.cache[path] = cachedResponse{etag: etag, body: data}
			c.cacheMu.Unlock()
		}
	}
	return data, nil
}

func parseAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		switch e := body.Error.(type) {
		case string:
			if apiErr.Message == "" {
				apiErr.Message = e
			}
		case map[string]any:
			if s, ok := e["code"].(string); ok && apiErr.Code == "" {
				apiErr.Code = s
			}
			if s, ok := e["message"].(string); ok && apiErr.Message == "" {
				apiErr.Message = s
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// unwrapData strips a {"success": ..., "data": ...} envelope if present.
func unwrapData(data []byte) json.RawMessage {
	var env struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if json.Unmarshal(data, &env) == nil && env.Success != nil && len(env.Data) > 0 {
		return env.Data
	}
	return json.RawMessage(data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(unwrapData(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Sync API
// ============================================================================

// FetchDomain GETs the payload of one content domain.
func (c *Client) FetchDomain(ctx context.Context, domain SyncDomain) (json.RawMessage, error) {
	path, ok := domainPaths[domain]
	if !ok {
		return nil, fmt.Errorf("no endpoint for domain %q", domain)
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", domain, err)
	}
	return unwrapData(data), nil
}

// SyncMarkers holds per-domain last-modified markers from the status endpoint.
type SyncMarkers map[SyncDomain]string

// UnmarshalJSON accepts string, number or null marker values.
func (m *SyncMarkers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(SyncMarkers, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if string(v) == "null" {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[SyncDomain(k)] = s
			continue
		}
		out[SyncDomain(k)] = string(v)
	}
	*m = out
	return nil
}

// FetchSyncMarkers GETs the lightweight status endpoint.
func (c *Client) FetchSyncMarkers(ctx context.Context) (SyncMarkers, error) {
	data, err := c.doRequest(ctx, http.MethodGet, pathSyncStatus, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch sync status: %w", err)
	}
	markers, err := decodeJSON[SyncMarkers](data)
	if err != nil {
		return nil, err
	}
	return *markers, nil
}

// SendHeartbeat POSTs device liveness and returns any queued commands.
func (c *Client) SendHeartbeat(ctx context.Context, hb *HeartbeatRequest) (*HeartbeatResponse, error) {
	data, err := c.doRequest(ctx, http.MethodPost, pathHeartbeat, hb)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &HeartbeatResponse{}, nil
	}
	return decodeJSON[HeartbeatResponse](data)
}
