package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultTimeout             = 60 * time.Second
	maxResponseSizeBytes       = 10 * 1024 * 1024 // 10MB limit for small JSON fetches
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultClientCacheSize     = 64
)

// ErrInvalidProxy is returned for proxy URLs that cannot be used.
var ErrInvalidProxy = errors.New("invalid proxy url")

// HTTPClientConfig holds configuration for HTTP client creation
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultHTTPClientConfig returns HTTP client configuration with sensible defaults
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             defaultTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
}

func (c *HTTPClientConfig) withDefaults() HTTPClientConfig {
	out := HTTPClientConfig{}
	if c != nil {
		out = *c
	}
	if out.Timeout == 0 {
		out.Timeout = defaultTimeout
	}
	if out.MaxIdleConns == 0 {
		out.MaxIdleConns = defaultMaxIdleConns
	}
	if out.MaxIdleConnsPerHost == 0 {
		out.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if out.IdleConnTimeout == 0 {
		out.IdleConnTimeout = defaultIdleConnTimeout
	}
	return out
}

// ParseProxyURL validates a proxy URL. Supported schemes are http, https,
// socks5 and socks5h.
func ParseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidProxy, raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidProxy, raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidProxy, raw)
	}
	return u, nil
}

// NewHTTPClient creates an HTTP client that sends every request through
// proxyURL. An empty proxyURL means a direct connection.
func NewHTTPClient(cfg *HTTPClientConfig, proxyURL string) (*http.Client, error) {
	c := cfg.withDefaults()

	// Direct connections deliberately ignore HTTP_PROXY: each credential
	// chooses its own egress.
	proxy := func(*http.Request) (*url.URL, error) { return nil, nil }
	if proxyURL != "" {
		u, err := ParseProxyURL(proxyURL)
		if err != nil {
			return nil, err
		}
		proxy = http.ProxyURL(u)
	}

	return &http.Client{
		// No global timeout: streaming responses can run for minutes.
		// ResponseHeaderTimeout protects the connect + header phase.
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 proxy,
			ResponseHeaderTimeout: c.Timeout,
			MaxIdleConns:          c.MaxIdleConns,
			MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
			IdleConnTimeout:       c.IdleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// ClientCache keeps one client per proxy URL so connection pools are shared
// between credentials using the same egress.
type ClientCache struct {
	cfg     *HTTPClientConfig
	clients *lru.Cache[string, *http.Client]
}

// NewClientCache creates a cache holding at most size clients.
func NewClientCache(cfg *HTTPClientConfig, size int) (*ClientCache, error) {
	if size <= 0 {
		size = defaultClientCacheSize
	}
	cache, err := lru.NewWithEvict[string, *http.Client](size, func(_ string, c *http.Client) {
		c.CloseIdleConnections()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client cache: %w", err)
	}
	return &ClientCache{cfg: cfg, clients: cache}, nil
}

// Get returns the cached client for proxyURL, building it on first use.
func (c *ClientCache) Get(proxyURL string) (*http.Client, error) {
	if client, ok := c.clients.Get(proxyURL); ok {
		return client, nil
	}
	client, err := NewHTTPClient(c.cfg, proxyURL)
	if err != nil {
		return nil, err
	}
	if prev, ok, _ := c.clients.PeekOrAdd(proxyURL, client); ok {
		return prev, nil
	}
	return client, nil
}

// Len returns the number of cached clients.
func (c *ClientCache) Len() int {
	return c.clients.Len()
}

// Purge drops all cached clients.
func (c *ClientCache) Purge() {
	c.clients.Purge()
}

// FetchJSON performs a GET with an optional bearer token and decodes the JSON body into v.
func FetchJSON(ctx context.Context, client *http.Client, rawURL, token string, logger *slog.Logger, v any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.Error("Upstream returned non-200 status",
			"url", rawURL,
			"status", resp.StatusCode,
			"response_preview", SafeStringPreview(body, 200),
		)
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// SafeStringPreview converts bytes to a printable string of at most maxLen
// input bytes, escaping invalid UTF-8.
func SafeStringPreview(data []byte, maxLen int) string {
	if len(data) == 0 {
		return ""
	}

	if len(data) > maxLen {
		data = data[:maxLen]
	}

	escaped := fmt.Sprintf("%q", data)
	if len(escaped) > 2 {
		return escaped[1 : len(escaped)-1]
	}
	return escaped
}
