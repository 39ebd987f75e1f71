package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/ports"
)

// ErrKeyNotFound is returned by LocalCache.Get for absent or expired keys.
var ErrKeyNotFound = errors.New("cache: key not found")

type item struct {
	val string
	// exp is a unix-nano deadline; zero means the entry never expires.
	exp int64
}

func (it item) expired(now int64) bool {
	return it.exp > 0 && now > it.exp
}

// LocalCache is the in-process ports.Cache used when no Redis is
// configured. Expired entries are dropped lazily on read and swept by a
// janitor goroutine so an idle key set does not pin memory.
type LocalCache struct {
	mu    sync.RWMutex
	items map[string]item

	log  *zap.Logger
	done chan struct{}
}

// NewLocalCache starts the janitor with the given sweep interval.
func NewLocalCache(sweepInterval time.Duration, log *zap.Logger) ports.Cache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	c := &LocalCache{
		items: make(map[string]item),
		log:   log,
		done:  make(chan struct{}),
	}
	go c.janitor(sweepInterval)

	log.Info("Local in-memory cache initialized",
		zap.Duration("sweep_interval", sweepInterval),
	)
	return c
}

func (c *LocalCache) Get(ctx context.Context, key string) (string, error) {
	now := time.Now().UnixNano()

	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return "", ErrKeyNotFound
	}
	if it.expired(now) {
		// Drop it now rather than waiting for the janitor, so a reader
		// hammering one stale key does not keep resurrecting it.
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(now) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return "", ErrKeyNotFound
	}
	return it.val, nil
}

func (c *LocalCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	it := item{val: value}
	if expiration > 0 {
		it.exp = time.Now().Add(expiration).UnixNano()
	}

	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

func (c *LocalCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Ping always succeeds; the map has no connection to lose.
func (c *LocalCache) Ping() error { return nil }

func (c *LocalCache) Close() error {
	close(c.done)
	return nil
}

func (c *LocalCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.log.Debug("Cache sweep completed", zap.Int("expired_entries", n))
			}
		case <-c.done:
			return
		}
	}
}

// sweep removes every expired entry and reports how many were dropped.
func (c *LocalCache) sweep() int {
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
			dropped++
		}
	}
	return dropped
}
