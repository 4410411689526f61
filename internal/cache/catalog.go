// Package cache provides a TTL-bound, explicitly invalidated cache for the
// credit-package catalog. It is injected into the components that read the
// catalog; there is no ambient global state, and writers invalidate it so
// readers never serve an edited package past the write.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/go-docproc-backend/internal/domain"
)

// Loader fetches the authoritative active catalog from storage.
type Loader func(ctx context.Context) ([]domain.CreditPackage, error)

// Catalog is a read-through cache over the active credit packages.
type Catalog struct {
	ttl    time.Duration
	loader Loader

	mu       sync.RWMutex
	items    []domain.CreditPackage
	loadedAt time.Time
}

// NewCatalog constructs a Catalog cache.
func NewCatalog(ttl time.Duration, loader Loader) *Catalog {
	return &Catalog{ttl: ttl, loader: loader}
}

// Active returns the active packages, loading from storage when the cached
// copy is missing or older than the TTL.
func (c *Catalog) Active(ctx context.Context) ([]domain.CreditPackage, error) {
	c.mu.RLock()
	if c.items != nil && time.Since(c.loadedAt) < c.ttl {
		items := c.items
		c.mu.RUnlock()
		return items, nil
	}
	c.mu.RUnlock()

	items, err := c.loader(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items = items
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return items, nil
}

// ByCode returns the active package with the given code, or nil.
func (c *Catalog) ByCode(ctx context.Context, code string) (*domain.CreditPackage, error) {
	items, err := c.Active(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Code == code {
			p := items[i]
			return &p, nil
		}
	}
	return nil, nil
}

// Invalidate drops the cached copy. Called after any catalog write.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}
