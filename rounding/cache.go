package rounding

import (
	"context"
	"sync"
)

// =============================================================================
// CACHE - Per-company policy cache
// =============================================================================

// Cache holds resolved policies keyed by company.
// Entries never expire on their own: the owner of the configuration calls
// Invalidate when it changes.
type Cache interface {
	Get(ctx context.Context, companyID string) (Policy, bool, error)
	Set(ctx context.Context, companyID string, policy Policy) error
	Invalidate(ctx context.Context, companyID string) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{policies: make(map[string]Policy)}
}

func (c *MemoryCache) Get(_ context.Context, companyID string) (Policy, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[companyID]
	return p, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, companyID string, policy Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[companyID] = policy
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, companyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.policies, companyID)
	return nil
}

// Len reports the number of cached companies.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.policies)
}
