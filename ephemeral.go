package carto

import (
	"sync"
	"time"

	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

const DefaultEphemeralTTL = 30 * time.Second

type (
	// EphemeralCache keeps table snapshots in memory for a short fixed window.
	EphemeralCache struct {
		ttl time.Duration
		now func() time.Time

		mu      sync.Mutex
		entries *btree.Tree[string, ephemeralEntry]
	}

	// ephemeralEntry with Deleted set is a tombstone left by Invalidate.
	ephemeralEntry struct {
		Data      TableSnapshot
		Timestamp time.Time
		Deleted   bool
	}

	CacheOption func(o *cacheOptions)

	cacheOptions struct {
		now         func() time.Time
		ttl         time.Duration
		freshWindow time.Duration
		maxAge      time.Duration
	}
)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func newCacheOptions(options []CacheOption) *cacheOptions {
	opts := &cacheOptions{
		now:         time.Now,
		ttl:         DefaultEphemeralTTL,
		freshWindow: DefaultFreshWindow,
		maxAge:      DefaultMaxAge,
	}
	for _, option := range options {
		option(opts)
	}
	return opts
}

func NewEphemeralCache(options ...CacheOption) *EphemeralCache {
	opts := newCacheOptions(options)
	return &EphemeralCache{
		ttl:     opts.ttl,
		now:     opts.now,
		entries: btree.New[string, ephemeralEntry](generic.Less[string]),
	}
}

// Get returns the cached snapshot while it is younger than the TTL.
func (c *EphemeralCache) Get(table string) (TableSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(table)
	if !ok || entry.Deleted {
		return TableSnapshot{}, false
	}
	if c.now().Sub(entry.Timestamp) >= c.ttl {
		return TableSnapshot{}, false
	}
	return entry.Data.Clone(), true
}

// Set replaces any previous entry for table. The cache keeps its own copy.
func (c *EphemeralCache) Set(table string, snap TableSnapshot) {
	c.SetAt(table, snap, c.now())
}

// SetAt is Set for data first read at an earlier time; the entry expires ttl
// after at.
func (c *EphemeralCache) SetAt(table string, snap TableSnapshot, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Put(table, ephemeralEntry{
		Data:      snap.Clone(),
		Timestamp: at,
	})
}

func (c *EphemeralCache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries.Get(table); ok {
		c.entries.Put(table, ephemeralEntry{Deleted: true})
	}
}

func (c *EphemeralCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = btree.New[string, ephemeralEntry](generic.Less[string])
}

// Len counts live entries, expired ones included.
func (c *EphemeralCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	c.entries.Each(func(_ string, entry ephemeralEntry) {
		if !entry.Deleted {
			n++
		}
	})
	return n
}
