package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// ManifestCache fronts a manifest store with a short-TTL read cache.
// Only hits are cached: a missing manifest is always re-checked so a
// fresh activation becomes visible immediately. The TTL bounds how
// long a demoted manifest can still be served.
type ManifestCache struct {
	inner manifest.Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	m      *manifest.Manifest
	loaded time.Time
}

var _ manifest.Store = (*ManifestCache)(nil)

// NewManifestCache wraps inner. A non-positive ttl disables caching.
func NewManifestCache(inner manifest.Store, ttl time.Duration) *ManifestCache {
	return &ManifestCache{inner: inner, ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *ManifestCache) GetActive(ctx context.Context, orgID, uapkID string) (*manifest.Manifest, error) {
	if c.ttl <= 0 {
		return c.inner.GetActive(ctx, orgID, uapkID)
	}
	key := orgID + "/" + uapkID

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(entry.loaded) < c.ttl {
		return entry.m, nil
	}

	m, err := c.inner.GetActive(ctx, orgID, uapkID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{m: m, loaded: time.Now()}
	c.mu.Unlock()
	return m, nil
}

// Invalidate drops the cached entry for one manifest family.
func (c *ManifestCache) Invalidate(orgID, uapkID string) {
	c.mu.Lock()
	delete(c.entries, orgID+"/"+uapkID)
	c.mu.Unlock()
}
