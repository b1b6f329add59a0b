package memlink

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/memlink/internal/cache"
)

// CacheAdapter wraps a *Cache to satisfy internal/cache.Cache, letting
// code written against that generic interface (e.g. a TieredCache L2
// slot) use a memlink Cache interchangeably with the in-memory or
// Redis-backed implementations in internal/cache.
type CacheAdapter struct {
	c *Cache
}

var _ cache.Cache = (*CacheAdapter)(nil)

// Adapt wraps c as a cache.Cache.
func Adapt(c *Cache) *CacheAdapter {
	return &CacheAdapter{c: c}
}

// Get returns cache.ErrNotFound on a miss, matching the generic
// interface's contract rather than memlink.Cache.Get's (value, found,
// error) shape.
func (a *CacheAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	value, found, err := a.c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cache.ErrNotFound
	}
	return value, nil
}

// Set stores value with the given ttl, converted to whole-second
// expiration (memcached's expiration unit; spec.md §4.3). A zero ttl
// means no expiration.
func (a *CacheAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiration uint32
	if ttl > 0 {
		expiration = uint32(ttl / time.Second)
	}
	ok, err := a.c.Set(ctx, key, value, 0, expiration)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("memlink: set did not succeed")
	}
	return nil
}

// Delete removes key; deleting an absent key is not an error (memlink's
// Delete already treats Key_Not_Found as success).
func (a *CacheAdapter) Delete(ctx context.Context, key string) error {
	_, err := a.c.Delete(ctx, key)
	return err
}

// Exists reports whether key is present.
func (a *CacheAdapter) Exists(ctx context.Context, key string) (bool, error) {
	return a.c.Exists(ctx, key)
}

// Ping verifies at least one configured server answers Version.
func (a *CacheAdapter) Ping(ctx context.Context) error {
	versions := a.c.Version(ctx)
	if len(versions) == 0 {
		return errors.New("memlink: no server reachable")
	}
	return nil
}

// Close releases the underlying Cache's pool and health monitor.
func (a *CacheAdapter) Close() error {
	return a.c.Close()
}
