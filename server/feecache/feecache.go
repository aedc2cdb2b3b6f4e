// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package feecache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/chain"
	"golang.org/x/sync/errgroup"
)

// DefaultCacheDuration is how long a fully-successful refresh is reused
// verbatim.
const DefaultCacheDuration = 5 * time.Minute

// Level names a confirmation target with a default rate used when the
// estimator has never served the target.
type Level struct {
	Name        string
	Target      uint32
	DefaultRate uint64
}

// DefaultLevelName is the level used when a caller specifies neither a
// level nor an explicit rate.
const DefaultLevelName = "normal"

// DefaultLevels is the standard fee level table, fastest first. Default
// rates are deliberately conservative.
var DefaultLevels = []Level{
	{Name: "urgent", Target: 1, DefaultRate: 75_000},
	{Name: "priority", Target: 2, DefaultRate: 50_000},
	{Name: "normal", Target: 3, DefaultRate: 30_000},
	{Name: "economy", Target: 6, DefaultRate: 15_000},
	{Name: "superEconomy", Target: 24, DefaultRate: 5_000},
}

// Levels is one refresh outcome: a rate per confirmation target, and whether
// the table was served from cache.
type Levels struct {
	Rates     map[uint32]uint64
	FromCache bool
}

// RateForLevel resolves a level name to its rate.
func (l *Levels) RateForLevel(levels []Level, name string) (uint64, error) {
	for i := range levels {
		if levels[i].Name == name {
			rate, ok := l.Rates[levels[i].Target]
			if !ok {
				return 0, fmt.Errorf("no rate for level %q (target %d)", name, levels[i].Target)
			}
			return rate, nil
		}
	}
	return 0, fmt.Errorf("unknown fee level %q", name)
}

type entry struct {
	rates map[uint32]uint64
	stamp time.Time
}

// Cache memoizes per-confirmation-target fee rate estimates per
// (chain, network) pair. A refresh in which every target succeeded is cached
// for cacheDuration and reused verbatim; a refresh with any failed target is
// served once with fallbacks applied but never cached, so the next call
// re-queries the estimator.
type Cache struct {
	estimator     chain.FeeEstimator
	levels        []Level
	cacheDuration time.Duration
	log           cotx.Logger

	mtx     sync.Mutex
	entries map[string]*entry
}

// New creates a Cache. Passing nil levels selects DefaultLevels; a
// non-positive cacheDuration selects DefaultCacheDuration.
func New(estimator chain.FeeEstimator, levels []Level, cacheDuration time.Duration, log cotx.Logger) *Cache {
	if levels == nil {
		levels = DefaultLevels
	}
	if cacheDuration <= 0 {
		cacheDuration = DefaultCacheDuration
	}
	// Keep the table fastest-target-first for the fallback scan.
	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Target < sorted[j].Target })
	return &Cache{
		estimator:     estimator,
		levels:        sorted,
		cacheDuration: cacheDuration,
		log:           log,
		entries:       make(map[string]*entry),
	}
}

// Levels returns the fee level configuration, fastest first.
func (c *Cache) Levels() []Level {
	return c.levels
}

func cacheKey(chainName, network string) string {
	return chainName + ":" + network
}

// FeeLevels returns the rate table for the chain and network, refreshing
// from the estimator when the cached table is missing or stale.
func (c *Cache) FeeLevels(ctx context.Context, chainName, network string) (*Levels, error) {
	key := cacheKey(chainName, network)

	c.mtx.Lock()
	ent, ok := c.entries[key]
	if ok && time.Since(ent.stamp) < c.cacheDuration {
		rates := make(map[uint32]uint64, len(ent.rates))
		for t, r := range ent.rates {
			rates[t] = r
		}
		c.mtx.Unlock()
		return &Levels{Rates: rates, FromCache: true}, nil
	}
	c.mtx.Unlock()

	targets := make([]uint32, len(c.levels))
	for i := range c.levels {
		targets[i] = c.levels[i].Target
	}
	estimates, err := c.estimator.EstimateFee(ctx, chainName, network, targets)
	if err != nil {
		return nil, fmt.Errorf("fee estimator error: %w", err)
	}

	rates, complete := c.applyFallbacks(key, estimates)
	if complete {
		cached := make(map[uint32]uint64, len(rates))
		for t, r := range rates {
			cached[t] = r
		}
		c.mtx.Lock()
		c.entries[key] = &entry{rates: cached, stamp: time.Now()}
		c.mtx.Unlock()
	} else {
		c.log.Warnf("fee estimator failed for some targets on %s; result not cached", key)
	}

	return &Levels{Rates: rates}, nil
}

// applyFallbacks builds the rate table from estimator results. A failed
// target (absent or negative) falls back to the next-slower target's
// resolved value; the slowest target falls back to its previous cached rate,
// then its default. The finished table is clamped to be monotonically
// non-increasing as targets slow, so a fallback never fabricates a faster
// rate than a slower target actually observed.
func (c *Cache) applyFallbacks(key string, estimates map[uint32]int64) (map[uint32]uint64, bool) {
	c.mtx.Lock()
	prev := c.entries[key]
	c.mtx.Unlock()

	rates := make(map[uint32]uint64, len(c.levels))
	complete := true
	for i := len(c.levels) - 1; i >= 0; i-- {
		lvl := c.levels[i]
		if est, ok := estimates[lvl.Target]; ok && est > 0 {
			rates[lvl.Target] = uint64(est)
			continue
		}
		complete = false
		if i < len(c.levels)-1 {
			rates[lvl.Target] = rates[c.levels[i+1].Target]
			continue
		}
		if prev != nil {
			if r, ok := prev.rates[lvl.Target]; ok {
				rates[lvl.Target] = r
				continue
			}
		}
		rates[lvl.Target] = lvl.DefaultRate
	}

	// Non-increasing toward slower targets.
	for i := 1; i < len(c.levels); i++ {
		faster, slower := c.levels[i-1].Target, c.levels[i].Target
		if rates[slower] > rates[faster] {
			rates[slower] = rates[faster]
		}
	}
	return rates, complete
}

// Prime warms the cache for several (chain, network) pairs concurrently.
// Intended for startup; errors are per-pair and joined.
func (c *Cache) Prime(ctx context.Context, pairs [][2]string) error {
	var eg errgroup.Group
	for _, pair := range pairs {
		chainName, network := pair[0], pair[1]
		eg.Go(func() error {
			_, err := c.FeeLevels(ctx, chainName, network)
			if err != nil {
				return fmt.Errorf("%s:%s: %w", chainName, network, err)
			}
			return nil
		})
	}
	return eg.Wait()
}
