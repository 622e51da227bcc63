// Package rules serves domain extraction rules to the resolver through a
// bounded read-through cache and keeps every process's cache in step with
// configuration edits.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"horse.fit/announcements/internal/identity"
)

// RuleSource is the backing Domain Rule Store. A nil rule with a nil error
// means the domain has no active rule.
type RuleSource interface {
	FindActiveRule(ctx context.Context, domain string) (*identity.Rule, error)
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Size          int    `json:"size"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
}

// Cache is a read-through LRU of domain rules. Domains without a rule are
// cached as nil so unconfigured traffic does not reach the store per URL.
type Cache struct {
	source RuleSource
	logger zerolog.Logger

	entries *lru.Cache[string, *identity.Rule]
	group   singleflight.Group

	// epoch advances on every invalidation. A fetch only stores its result
	// if the epoch it started under is still current; mu makes that check
	// and the store one step with respect to invalidation.
	mu    sync.Mutex
	epoch atomic.Uint64

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

func NewCache(source RuleSource, size int, logger zerolog.Logger) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("rule source is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("rule cache size must be >= 1")
	}
	entries, err := lru.New[string, *identity.Rule](size)
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	return &Cache{
		source:  source,
		logger:  logger,
		entries: entries,
	}, nil
}

// Lookup returns the active rule for domain, or nil when none exists.
func (c *Cache) Lookup(ctx context.Context, domain string) (*identity.Rule, error) {
	domain = identity.NormalizeDomain(domain)
	if domain == "" {
		return nil, nil
	}

	if rule, ok := c.entries.Get(domain); ok {
		c.hits.Add(1)
		return rule, nil
	}
	c.misses.Add(1)

	epoch := c.epoch.Load()
	// Keying the flight by epoch keeps callers that arrive after an
	// invalidation from joining a fetch that started before it.
	v, err, _ := c.group.Do(domain+"#"+strconv.FormatUint(epoch, 10), func() (any, error) {
		rule, err := c.source.FindActiveRule(ctx, domain)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		stored := c.epoch.Load() == epoch
		if stored {
			c.entries.Add(domain, rule)
		}
		c.mu.Unlock()
		if !stored {
			c.logger.Debug().Str("domain", domain).Msg("rule fetch raced an invalidation; not caching")
		}
		return rule, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rule for %s: %w", domain, err)
	}
	rule, _ := v.(*identity.Rule)
	return rule, nil
}

// Invalidate drops the cached rule of one domain.
func (c *Cache) Invalidate(domain string) {
	domain = identity.NormalizeDomain(domain)
	c.mu.Lock()
	c.epoch.Add(1)
	c.entries.Remove(domain)
	c.mu.Unlock()
	c.invalidations.Add(1)
	c.logger.Debug().Str("domain", domain).Msg("rule cache entry invalidated")
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.epoch.Add(1)
	c.entries.Purge()
	c.mu.Unlock()
	c.invalidations.Add(1)
	c.logger.Debug().Msg("rule cache purged")
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Size:          c.entries.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
