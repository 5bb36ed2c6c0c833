// Package profile caches dataset profiles. Profiles are cheap to recompute
// but not free (pg_stats and a vector_dims probe), and every cycle needs one.
package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/chosei/internal/model"
)

// Loader computes a fresh profile.
type Loader interface {
	Profile(ctx context.Context, t model.Target) (model.DatasetProfile, error)
}

// Cache is a TTL cache of DatasetProfile keyed by target ID. Entries are
// never served past the TTL; concurrent misses for one target share a
// single load.
type Cache struct {
	loader Loader
	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedEntry
	done    chan struct{}
	once    sync.Once
}

type cachedEntry struct {
	profile   model.DatasetProfile
	expiresAt time.Time
}

// NewCache creates a cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	c := &Cache{
		loader:  loader,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedEntry),
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached profile for t, loading it on a miss or expiry.
func (c *Cache) Get(ctx context.Context, t model.Target) (model.DatasetProfile, error) {
	if p, ok := c.lookup(t.ID); ok {
		return p, nil
	}
	v, err, _ := c.group.Do(t.ID, func() (any, error) {
		if p, ok := c.lookup(t.ID); ok {
			return p, nil
		}
		p, err := c.loader.Profile(ctx, t)
		if err != nil {
			return model.DatasetProfile{}, err
		}
		c.mu.Lock()
		c.entries[t.ID] = cachedEntry{profile: p, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return model.DatasetProfile{}, fmt.Errorf("profile: %s: %w", t.ID, err)
	}
	return v.(model.DatasetProfile), nil
}

// Invalidate drops the entry for targetID. Index builds refresh
// pg_class.reltuples, so the controller calls this after a change.
func (c *Cache) Invalidate(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, targetID)
}

func (c *Cache) lookup(targetID string) (model.DatasetProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[targetID]
	if !ok || !c.now().Before(e.expiresAt) {
		return model.DatasetProfile{}, false
	}
	return e.profile, true
}

// Close stops the background eviction goroutine.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
