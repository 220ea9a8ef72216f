// Package cache holds decoded stamp assets in memory, content-addressed
// by source fingerprint, backed by the durable store. One decode per
// fingerprint is in flight at a time; eviction is bounded by a decoded
// byte budget and never touches an asset with a live binding.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"StampLedger/internal/normalize"
	"StampLedger/internal/observability"
)

// DefaultBudgetBytes bounds total decoded frame bytes held in memory.
const DefaultBudgetBytes = 64 << 20

// ErrNotResident is returned by Lookup for fingerprints not in memory.
var ErrNotResident = errors.New("asset not resident in cache")

// Durable is the persistent tier behind the in-memory cache. Satisfied
// by persistence.Store.
type Durable interface {
	Load(ctx context.Context, fingerprint string) (*normalize.StampAsset, bool, error)
	Save(ctx context.Context, asset *normalize.StampAsset) error
	TouchPlaced(ctx context.Context, fingerprint string) error
}

// Producer decodes the asset on a full miss (memory and store).
type Producer func(ctx context.Context) (*normalize.StampAsset, error)

// Pinned reports whether a fingerprint must survive eviction regardless
// of its refcount. The session wires this to live-binding occupancy,
// which covers a binding confirmed before its asset became resident:
// such a binding never took a Retain, yet its asset must not be
// reclaimed while the binding is live.
type Pinned func(fingerprint string) bool

type entry struct {
	asset      *normalize.StampAsset
	refs       int
	lastPlaced time.Time
	bytes      int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Resident      int
	ResidentBytes int64
	Hits          int64
	Misses        int64
	StoreHits     int64
	Evictions     int64
}

// Cache is safe for concurrent use.
type Cache struct {
	store   Durable
	clock   clockwork.Clock
	budget  int64
	pinned  Pinned
	log     zerolog.Logger
	metrics *observability.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64

	hits      int64
	misses    int64
	storeHits int64
	evictions int64
}

func New(store Durable, clock clockwork.Clock) *Cache {
	return &Cache{
		store:   store,
		clock:   clock,
		budget:  DefaultBudgetBytes,
		log:     observability.NewLogger("stamp_cache"),
		entries: make(map[string]*entry),
	}
}

// WithBudget overrides the decoded-byte budget. Zero or negative keeps
// the default.
func (c *Cache) WithBudget(budget int64) *Cache {
	if budget > 0 {
		c.budget = budget
	}
	return c
}

// WithPinned installs an eviction guard consulted per fingerprint in
// addition to refcounts. Nil disables it.
func (c *Cache) WithPinned(pin Pinned) *Cache {
	c.pinned = pin
	return c
}

// WithMetrics attaches shared instrumentation. Nil disables it.
func (c *Cache) WithMetrics(m *observability.Metrics) *Cache {
	c.metrics = m
	return c
}

// GetOrInsert returns the asset for a fingerprint, consulting memory,
// then the durable store, then the producer. Concurrent calls for the
// same fingerprint share one producer invocation.
func (c *Cache) GetOrInsert(ctx context.Context, fingerprint string, produce Producer) (*normalize.StampAsset, error) {
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		c.hits++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return e.asset, nil
	}
	c.misses++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// A prior flight may have inserted while we waited on the group.
		c.mu.Lock()
		if e, ok := c.entries[fingerprint]; ok {
			c.mu.Unlock()
			return e.asset, nil
		}
		c.mu.Unlock()

		asset, fromStore, err := c.materialize(ctx, fingerprint, produce)
		if err != nil {
			return nil, err
		}
		if !fromStore {
			if err := c.store.Save(ctx, asset); err != nil {
				// The session keeps working without durability.
				c.log.Warn().Err(err).
					Str("fingerprint", shortFP(fingerprint)).
					Msg("failed to persist decoded stamp")
				if c.metrics != nil {
					c.metrics.StoreErrors.Inc()
				}
			} else if c.metrics != nil {
				c.metrics.StoreSaves.Inc()
			}
		}
		c.insert(fingerprint, asset)
		return asset, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*normalize.StampAsset), nil
}

func (c *Cache) materialize(ctx context.Context, fingerprint string, produce Producer) (*normalize.StampAsset, bool, error) {
	asset, ok, err := c.store.Load(ctx, fingerprint)
	if err != nil {
		c.log.Warn().Err(err).
			Str("fingerprint", shortFP(fingerprint)).
			Msg("store read failed, falling back to decode")
	} else if ok {
		c.mu.Lock()
		c.storeHits++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.StoreLoads.Inc()
		}
		return asset, true, nil
	}

	if produce == nil {
		return nil, false, fmt.Errorf("fingerprint %s: %w", shortFP(fingerprint), ErrNotResident)
	}
	asset, err = produce(ctx)
	if err != nil {
		return nil, false, err
	}
	if asset.Fingerprint != fingerprint {
		return nil, false, fmt.Errorf("producer returned fingerprint %s, want %s",
			shortFP(asset.Fingerprint), shortFP(fingerprint))
	}
	return asset, false, nil
}

func (c *Cache) insert(fingerprint string, asset *normalize.StampAsset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fingerprint]; ok {
		return
	}
	e := &entry{
		asset:      asset,
		lastPlaced: c.clock.Now(),
		bytes:      asset.FrameBytes(),
	}
	c.entries[fingerprint] = e
	c.bytes += e.bytes
	c.evictLocked()
	if c.metrics != nil {
		c.metrics.CacheBytes.Set(float64(c.bytes))
	}
}

// Lookup returns a resident asset without touching the store or
// producing. Used by the render path, which must not block on IO.
func (c *Cache) Lookup(fingerprint string) (*normalize.StampAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, fmt.Errorf("fingerprint %s: %w", shortFP(fingerprint), ErrNotResident)
	}
	return e.asset, nil
}

// Retain pins an asset against eviction for the lifetime of a live
// binding. Each Retain must be matched by a Release.
func (c *Cache) Retain(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok {
		e.refs++
	}
}

// Release drops one live-binding reference and re-runs eviction, since
// the entry may now be reclaimable.
func (c *Cache) Release(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	c.evictLocked()
}

// MarkPlaced records a placement for least-recently-placed eviction
// ordering, in memory and durably.
func (c *Cache) MarkPlaced(ctx context.Context, fingerprint string) {
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		e.lastPlaced = c.clock.Now()
	}
	c.mu.Unlock()

	if err := c.store.TouchPlaced(ctx, fingerprint); err != nil {
		c.log.Warn().Err(err).
			Str("fingerprint", shortFP(fingerprint)).
			Msg("failed to update placement time in store")
	}
}

// EvictIfNeeded reclaims least-recently-placed unpinned entries until
// the byte budget is met. Normally runs inline on insert and release;
// exposed for explicit sweeps.
func (c *Cache) EvictIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for c.bytes > c.budget {
		victim := ""
		var oldest time.Time
		for fp, e := range c.entries {
			if e.refs > 0 || (c.pinned != nil && c.pinned(fp)) {
				continue
			}
			if victim == "" || e.lastPlaced.Before(oldest) {
				victim = fp
				oldest = e.lastPlaced
			}
		}
		if victim == "" {
			// Everything live is pinned; the budget is advisory then.
			return
		}
		e := c.entries[victim]
		delete(c.entries, victim)
		c.bytes -= e.bytes
		c.evictions++
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
			c.metrics.CacheBytes.Set(float64(c.bytes))
		}
		c.log.Debug().
			Str("fingerprint", shortFP(victim)).
			Int64("bytes", e.bytes).
			Msg("evicted stamp asset")
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident:      len(c.entries),
		ResidentBytes: c.bytes,
		Hits:          c.hits,
		Misses:        c.misses,
		StoreHits:     c.storeHits,
		Evictions:     c.evictions,
	}
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
