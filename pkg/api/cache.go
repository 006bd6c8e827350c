package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	errCacheStopped = errors.New("cache stopped")
	errNoLoader     = errors.New("no loader")
)

type cacheLookup struct {
	key   string
	reply chan cacheHit
}

type cacheHit struct {
	data []byte
	ok   bool
	gen  uint64
}

type cacheStore struct {
	key  string
	data []byte
	gen  uint64
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ==========================
// Rendered payload cache
// ==========================

// ResponseCache keeps rendered JSON payloads for a short TTL. A single
// goroutine owns the map and only ever does map work; loads run in the
// calling goroutine, with concurrent misses for one key sharing a load.
type ResponseCache struct {
	ttl     time.Duration
	lookups chan cacheLookup
	stores  chan cacheStore
	flushes chan string
	quit    chan struct{}
	now     func() time.Time
	loads   singleflight.Group
}

// NewResponseCache starts the owner goroutine. ttl <= 0 returns nil, which
// every method treats as "no caching".
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	c := &ResponseCache{
		ttl:     ttl,
		lookups: make(chan cacheLookup),
		stores:  make(chan cacheStore),
		flushes: make(chan string),
		quit:    make(chan struct{}),
		now:     time.Now,
	}
	go c.loop()
	return c
}

// Close stops the goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// Get returns the cached bytes for key or runs loader. A nil cache always
// runs loader.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if loader == nil {
		return nil, errNoLoader
	}
	if c == nil {
		return loader(ctx)
	}
	hit, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if hit.ok {
		return clone(hit.data), nil
	}

	ch := c.loads.DoChan(key, func() (any, error) {
		data, err := loader(ctx)
		if err != nil || data == nil {
			return data, err
		}
		data = clone(data)
		select {
		case c.stores <- cacheStore{key: key, data: data, gen: hit.gen}:
		case <-c.quit:
		}
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data, _ := res.Val.([]byte)
		return clone(data), nil
	}
}

func (c *ResponseCache) lookup(ctx context.Context, key string) (cacheHit, error) {
	req := cacheLookup{key: key, reply: make(chan cacheHit, 1)}
	select {
	case <-ctx.Done():
		return cacheHit{}, ctx.Err()
	case <-c.quit:
		return cacheHit{}, errCacheStopped
	case c.lookups <- req:
	}
	select {
	case <-c.quit:
		return cacheHit{}, errCacheStopped
	case hit := <-req.reply:
		return hit, nil
	}
}

// Flush drops every entry whose key starts with prefix; "" drops all.
// Loads that started before the flush are not stored.
func (c *ResponseCache) Flush(prefix string) {
	if c == nil {
		return
	}
	select {
	case c.flushes <- prefix:
	case <-c.quit:
	}
}

func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	var gen uint64
	for {
		select {
		case <-c.quit:
			return
		case prefix := <-c.flushes:
			gen++
			for key := range store {
				if strings.HasPrefix(key, prefix) {
					delete(store, key)
				}
			}
		case req := <-c.lookups:
			if entry, ok := store[req.key]; ok && c.now().Before(entry.expires) {
				req.reply <- cacheHit{data: entry.data, ok: true, gen: gen}
				continue
			}
			req.reply <- cacheHit{gen: gen}
		case s := <-c.stores:
			// A flush happened while this was loading.
			if s.gen != gen {
				continue
			}
			store[s.key] = cacheEntry{data: s.data, expires: c.now().Add(c.ttl)}
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
