package carto

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang/glog"
	multierror "github.com/hashicorp/go-multierror"
)

const (
	DefaultFreshWindow = 5 * time.Minute
	DefaultMaxAge      = 24 * time.Hour

	CacheKeyPrefix   = "carto_cache_"
	CacheMetadataKey = "carto_meta"
)

type (
	// Storage is the local durable key/value store behind a DurableCache.
	Storage interface {
		Get(ctx context.Context, key string) ([]byte, bool, error)
		Set(ctx context.Context, key string, value []byte) error
		Delete(ctx context.Context, key string) error
		Keys(ctx context.Context, prefix string) ([]string, error)
	}

	// DurableCache persists table snapshots across sessions. Persistence is an
	// optimization: write failures are absorbed, never returned.
	DurableCache struct {
		storage     Storage
		freshWindow time.Duration
		maxAge      time.Duration
		now         func() time.Time
	}

	CachedSnapshot struct {
		Data    TableSnapshot
		SavedAt time.Time
		Age     time.Duration
		IsFresh bool
		IsValid bool
	}

	Metadata struct {
		LastSync int64            `json:"lastSync"`
		Tables   map[string]int64 `json:"tables"`
	}

	durableEntry struct {
		Data      TableSnapshot `json:"data"`
		Timestamp int64         `json:"timestamp"`
	}
)

func WithFreshWindow(d time.Duration) CacheOption {
	return func(o *cacheOptions) {
		if d > 0 {
			o.freshWindow = d
		}
	}
}

func WithMaxAge(d time.Duration) CacheOption {
	return func(o *cacheOptions) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

func NewDurableCache(storage Storage, options ...CacheOption) *DurableCache {
	opts := newCacheOptions(options)
	return &DurableCache{
		storage:     storage,
		freshWindow: opts.freshWindow,
		maxAge:      opts.maxAge,
		now:         opts.now,
	}
}

func cacheKey(table string) string {
	return CacheKeyPrefix + table
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Save stores the snapshot for table. On failure it sweeps expired entries
// and retries once; a second failure drops the write.
func (c *DurableCache) Save(ctx context.Context, table string, snap TableSnapshot) {
	c.save(ctx, table, snap)
}

// save reports whether the entry was written.
func (c *DurableCache) save(ctx context.Context, table string, snap TableSnapshot) bool {
	now := c.now()
	value, err := json.Marshal(durableEntry{Data: snap, Timestamp: toMillis(now)})
	if err != nil {
		glog.Warningf("durable cache: %s", &StorageError{Op: "encode", Key: table, Err: err})
		return false
	}

	key := cacheKey(table)
	if err := c.storage.Set(ctx, key, value); err != nil {
		glog.V(1).Infof("durable cache: %s, sweeping", &StorageError{Op: "save", Key: key, Err: err})
		if _, sweepErr := c.Sweep(ctx); sweepErr != nil {
			glog.V(1).Infof("durable cache: sweep: %s", sweepErr)
		}
		if err := c.storage.Set(ctx, key, value); err != nil {
			glog.Warningf("durable cache: %s, write dropped", &StorageError{Op: "save", Key: key, Err: err})
			return false
		}
	}

	c.updateMetadata(ctx, func(meta *Metadata) {
		meta.LastSync = toMillis(now)
		meta.Tables[table] = toMillis(now)
	})
	return true
}

// Get returns the cached snapshot for table with its age classification.
func (c *DurableCache) Get(ctx context.Context, table string) (CachedSnapshot, bool) {
	key := cacheKey(table)
	value, ok, err := c.storage.Get(ctx, key)
	if err != nil {
		glog.V(1).Infof("durable cache: %s", &StorageError{Op: "get", Key: key, Err: err})
		return CachedSnapshot{}, false
	}
	if !ok {
		return CachedSnapshot{}, false
	}

	var entry durableEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		glog.Warningf("durable cache: %s, removing", &StorageError{Op: "decode", Key: key, Err: err})
		_ = c.storage.Delete(ctx, key)
		return CachedSnapshot{}, false
	}

	saved := fromMillis(entry.Timestamp)
	age := c.now().Sub(saved)
	if age < 0 {
		age = 0
	}
	return CachedSnapshot{
		Data:    entry.Data.normalize(),
		SavedAt: saved,
		Age:     age,
		IsFresh: age < c.freshWindow,
		IsValid: age < c.maxAge,
	}, true
}

// Invalidate removes the entry for table. An entry that cannot be deleted is
// overwritten with an expired one; the error is returned only when both fail,
// in which case the stored entry may still read as valid.
func (c *DurableCache) Invalidate(ctx context.Context, table string) error {
	key := cacheKey(table)
	if err := c.remove(ctx, key); err != nil {
		return err
	}
	c.updateMetadata(ctx, func(meta *Metadata) {
		delete(meta.Tables, table)
	})
	return nil
}

func (c *DurableCache) remove(ctx context.Context, key string) error {
	err := c.storage.Delete(ctx, key)
	if err == nil {
		return nil
	}
	glog.Warningf("durable cache: %s, expiring in place", &StorageError{Op: "delete", Key: key, Err: err})

	expired, _ := json.Marshal(durableEntry{Data: EmptySnapshot()})
	if setErr := c.storage.Set(ctx, key, expired); setErr != nil {
		return multierror.Append(
			&StorageError{Op: "delete", Key: key, Err: err},
			&StorageError{Op: "expire", Key: key, Err: setErr},
		)
	}
	return nil
}

// InvalidateAll removes every cached table and the metadata record.
func (c *DurableCache) InvalidateAll(ctx context.Context) error {
	keys, err := c.storage.Keys(ctx, CacheKeyPrefix)
	if err != nil {
		return &StorageError{Op: "list", Key: CacheKeyPrefix, Err: err}
	}

	var errs error
	for _, key := range keys {
		if err := c.remove(ctx, key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.storage.Delete(ctx, CacheMetadataKey); err != nil {
		errs = multierror.Append(errs, &StorageError{Op: "delete", Key: CacheMetadataKey, Err: err})
	}
	return errs
}

// Sweep removes entries whose age reached the max age, plus unreadable ones.
func (c *DurableCache) Sweep(ctx context.Context) (int, error) {
	keys, err := c.storage.Keys(ctx, CacheKeyPrefix)
	if err != nil {
		return 0, &StorageError{Op: "list", Key: CacheKeyPrefix, Err: err}
	}

	now := c.now()
	removed := 0
	var errs error
	var expired []string
	for _, key := range keys {
		value, ok, err := c.storage.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var entry durableEntry
		if err := json.Unmarshal(value, &entry); err == nil && now.Sub(fromMillis(entry.Timestamp)) < c.maxAge {
			continue
		}
		if err := c.storage.Delete(ctx, key); err != nil {
			errs = multierror.Append(errs, &StorageError{Op: "delete", Key: key, Err: err})
			continue
		}
		removed++
		expired = append(expired, strings.TrimPrefix(key, CacheKeyPrefix))
	}

	if len(expired) > 0 {
		c.updateMetadata(ctx, func(meta *Metadata) {
			for _, table := range expired {
				delete(meta.Tables, table)
			}
		})
	}
	return removed, errs
}

// Metadata returns the sync bookkeeping record, if any.
func (c *DurableCache) Metadata(ctx context.Context) (Metadata, bool) {
	value, ok, err := c.storage.Get(ctx, CacheMetadataKey)
	if err != nil || !ok {
		return Metadata{}, false
	}
	var meta Metadata
	if err := json.Unmarshal(value, &meta); err != nil {
		return Metadata{}, false
	}
	if meta.Tables == nil {
		meta.Tables = map[string]int64{}
	}
	return meta, true
}

// updateMetadata is best effort like every other durable write.
func (c *DurableCache) updateMetadata(ctx context.Context, fn func(meta *Metadata)) {
	meta, ok := c.Metadata(ctx)
	if !ok {
		meta = Metadata{Tables: map[string]int64{}}
	}
	fn(&meta)

	value, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := c.storage.Set(ctx, CacheMetadataKey, value); err != nil {
		glog.V(1).Infof("durable cache: %s", &StorageError{Op: "save", Key: CacheMetadataKey, Err: err})
	}
}
