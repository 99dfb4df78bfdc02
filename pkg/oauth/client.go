package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
)

const (
	// DefaultHTTPTimeout is the default timeout for token endpoint requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultDiscoveryTimeout bounds one discovery document fetch.
	DefaultDiscoveryTimeout = 5 * time.Second

	// wellKnownPath is appended to the issuer URL for discovery.
	wellKnownPath = "/.well-known/openid-configuration"

	// maxDiscoveryBytes limits the size of a discovery document.
	maxDiscoveryBytes = 1 << 20
)

// Client handles the OIDC protocol operations of the proxy: discovery,
// authorization code exchange, refresh and ID token verification.
//
// Discovered metadata is cached per issuer for the lifetime of the Client.
// There is no TTL and nothing is written to disk.
type Client struct {
	httpClient       *http.Client
	now              func() time.Time
	discoveryTimeout time.Duration

	// Metadata cache with mutex for thread safety
	metadataMu    sync.RWMutex
	metadataCache map[string]*Metadata

	// singleflight group to deduplicate concurrent metadata fetches
	metadataGroup singleflight.Group
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClock sets the clock used to stamp issued tokens and verify ID tokens.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithDiscoveryTimeout overrides DefaultDiscoveryTimeout.
func WithDiscoveryTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.discoveryTimeout = d
	}
}

// NewClient creates a new OAuth client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:       &http.Client{Timeout: DefaultHTTPTimeout},
		now:              time.Now,
		discoveryTimeout: DefaultDiscoveryTimeout,
		metadataCache:    make(map[string]*Metadata),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DiscoverMetadata resolves the issuer's metadata from
// <issuer>/.well-known/openid-configuration.
//
// The first successful result per issuer is cached; concurrent callers for
// the same issuer share one fetch. Failures are not cached.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = NormalizeIssuerURL(issuer)

	if md := c.cachedMetadata(issuer); md != nil {
		return md, nil
	}

	// Use singleflight to deduplicate concurrent fetches
	result, err, _ := c.metadataGroup.Do(issuer, func() (interface{}, error) {
		// Double-check cache after acquiring singleflight lock
		if md := c.cachedMetadata(issuer); md != nil {
			return md, nil
		}

		md, err := c.fetchMetadata(ctx, issuer)
		if err != nil {
			return nil, err
		}
		c.cacheMetadata(issuer, md)
		return md, nil
	})

	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

func (c *Client) cachedMetadata(issuer string) *Metadata {
	c.metadataMu.RLock()
	defer c.metadataMu.RUnlock()
	return c.metadataCache[issuer]
}

// fetchMetadata performs the HTTP fetch for the discovery document.
func (c *Client) fetchMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	wellKnownURL := issuer + wellKnownPath
	fail := func(status int, reason string, err error) error {
		return &DiscoveryError{Issuer: issuer, URL: wellKnownURL, StatusCode: status, Reason: reason, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, fail(0, "invalid issuer URL", err)
	}
	req.Header.Set("Accept", "application/json")

	logging.Debug("OAuth", "Fetching OIDC configuration from %s", wellKnownURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, "issuer unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBytes))
	if err != nil {
		return nil, fail(resp.StatusCode, "failed to read discovery document", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fail(resp.StatusCode, "malformed discovery document", err)
	}

	if metadata.AuthorizationEndpoint == "" {
		return nil, fail(resp.StatusCode, "discovery document has no authorization_endpoint", nil)
	}
	if metadata.TokenEndpoint == "" {
		return nil, fail(resp.StatusCode, "discovery document has no token_endpoint", nil)
	}
	if metadata.Issuer != "" && NormalizeIssuerURL(metadata.Issuer) != issuer {
		logging.Warn("OAuth", "Discovery document issuer %q differs from configured issuer %q", metadata.Issuer, issuer)
	}
	if !metadata.SupportsPKCE() {
		logging.Warn("OAuth", "Issuer %s does not advertise S256 PKCE support, continuing anyway", issuer)
	}

	return &metadata, nil
}

// cacheMetadata stores metadata in the cache.
func (c *Client) cacheMetadata(issuer string, metadata *Metadata) {
	c.metadataMu.Lock()
	c.metadataCache[issuer] = metadata
	c.metadataMu.Unlock()

	logging.Debug("OAuth", "Cached OIDC metadata for %s (authorization_endpoint=%s, token_endpoint=%s)",
		issuer, metadata.AuthorizationEndpoint, metadata.TokenEndpoint)
}
