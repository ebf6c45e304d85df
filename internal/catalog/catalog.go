// Package catalog provides a read-through cache over the indicator catalog.
//
// Ingestion looks up the same handful of indicator names for every row, so
// both hits and misses are cached for the lifetime of the catalog (one
// ingestion run). Catalog edits made mid-run are picked up by the next run.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"warehouse/internal/model"
	"warehouse/internal/storage"
)

// Store is the slice of the storage API the catalog needs.
type Store interface {
	LookupIndicator(ctx context.Context, key string) (*model.Indicator, error)
	UpsertIndicator(ctx context.Context, d *model.Indicator) error
}

// Catalog caches indicator lookups. Safe for concurrent use.
type Catalog struct {
	store Store

	mu     sync.RWMutex
	hits   map[string]*model.Indicator
	misses map[string]bool
}

func New(store Store) *Catalog {
	return &Catalog{
		store:  store,
		hits:   map[string]*model.Indicator{},
		misses: map[string]bool{},
	}
}

func cacheKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// LookupIndicator resolves a code or name to a catalog entry.
//
// Errors:
//   - storage.ErrNotFound (wrapped) when the key matches nothing; the miss
//     is cached so repeated unknown names cost one round trip per run.
func (c *Catalog) LookupIndicator(ctx context.Context, key string) (*model.Indicator, error) {
	k := cacheKey(key)

	c.mu.RLock()
	ind, hit := c.hits[k]
	missed := c.misses[k]
	c.mu.RUnlock()
	if hit {
		return ind, nil
	}
	if missed {
		return nil, fmt.Errorf("indicator %q: %w", key, storage.ErrNotFound)
	}

	ind, err := c.store.LookupIndicator(ctx, key)
	if err != nil {
		if isNotFound(err) {
			c.mu.Lock()
			c.misses[k] = true
			c.mu.Unlock()
		}
		return nil, err
	}

	c.mu.Lock()
	c.hits[k] = ind
	// Cache under both spellings so a follow-up by code or name hits.
	c.hits[cacheKey(ind.Code)] = ind
	c.hits[cacheKey(ind.Name)] = ind
	c.mu.Unlock()
	return ind, nil
}

// Seed upserts a set of indicators and primes the cache. Used to load a
// catalog definition file before the first ingestion run.
func (c *Catalog) Seed(ctx context.Context, indicators []model.Indicator) error {
	for i := range indicators {
		ind := indicators[i]
		if ind.Code == "" {
			return fmt.Errorf("seed indicator %d: empty code", i)
		}
		if err := c.store.UpsertIndicator(ctx, &ind); err != nil {
			return fmt.Errorf("seed indicator %s: %w", ind.Code, err)
		}
		c.mu.Lock()
		c.hits[cacheKey(ind.Code)] = &ind
		if ind.Name != "" {
			c.hits[cacheKey(ind.Name)] = &ind
		}
		delete(c.misses, cacheKey(ind.Code))
		delete(c.misses, cacheKey(ind.Name))
		c.mu.Unlock()
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
