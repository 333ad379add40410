package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMetadataCacheTTL is the default TTL for cached server metadata.
const DefaultMetadataCacheTTL = 30 * time.Minute

// metadataCacheEntry holds discovered metadata with its fetch timestamp.
type metadataCacheEntry struct {
	metadata  ServerMetadata
	fetchedAt time.Time
}

// Discoverer resolves authorization server metadata from an issuer URL.
// It tries RFC 8414 (/.well-known/oauth-authorization-server) first, then
// falls back to OpenID Connect (/.well-known/openid-configuration).
// Results are cached with a TTL, and concurrent lookups for the same issuer
// are deduplicated.
type Discoverer struct {
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]metadataCacheEntry
	ttl   time.Duration

	group singleflight.Group
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) DiscovererOption {
	return func(d *Discoverer) {
		d.httpClient = httpClient
	}
}

// WithMetadataCacheTTL sets the metadata cache TTL.
func WithMetadataCacheTTL(ttl time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.ttl = ttl
	}
}

// NewDiscoverer creates a metadata discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[string]metadataCacheEntry),
		ttl:        DefaultMetadataCacheTTL,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Discover fetches server metadata for the issuer, serving from cache when
// fresh enough.
func (d *Discoverer) Discover(ctx context.Context, issuer string) (ServerMetadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	d.mu.RLock()
	if entry, ok := d.cache[issuer]; ok && time.Since(entry.fetchedAt) < d.ttl {
		d.mu.RUnlock()
		return entry.metadata, nil
	}
	d.mu.RUnlock()

	result, err, _ := d.group.Do(issuer, func() (interface{}, error) {
		// Re-check the cache: a concurrent caller may have filled it
		// between our read and the singleflight admission.
		d.mu.RLock()
		if entry, ok := d.cache[issuer]; ok && time.Since(entry.fetchedAt) < d.ttl {
			d.mu.RUnlock()
			return entry.metadata, nil
		}
		d.mu.RUnlock()

		return d.discover(ctx, issuer)
	})
	if err != nil {
		return ServerMetadata{}, err
	}

	return result.(ServerMetadata), nil
}

func (d *Discoverer) discover(ctx context.Context, issuer string) (ServerMetadata, error) {
	metadata, rfcErr := d.fetch(ctx, issuer+"/.well-known/oauth-authorization-server")
	if rfcErr == nil {
		d.store(issuer, metadata)
		return metadata, nil
	}

	metadata, oidcErr := d.fetch(ctx, issuer+"/.well-known/openid-configuration")
	if oidcErr == nil {
		d.store(issuer, metadata)
		return metadata, nil
	}

	return ServerMetadata{}, fmt.Errorf("failed to discover server metadata for %s: %w", issuer, oidcErr)
}

func (d *Discoverer) fetch(ctx context.Context, metadataURL string) (ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return ServerMetadata{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return ServerMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ServerMetadata{}, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ServerMetadata{}, err
	}

	var metadata ServerMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return ServerMetadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return metadata, nil
}

func (d *Discoverer) store(issuer string, metadata ServerMetadata) {
	d.mu.Lock()
	d.cache[issuer] = metadataCacheEntry{metadata: metadata, fetchedAt: time.Now()}
	d.mu.Unlock()
}

// ClearCache drops all cached metadata so the next lookup refetches.
func (d *Discoverer) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]metadataCacheEntry)
	d.mu.Unlock()
}
