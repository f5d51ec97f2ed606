// Package voicecache provides a content-addressed cache of precomputed voice
// embeddings with LRU and TTL eviction.
//
// The cache collapses concurrent misses for the same key into a single
// in-flight computation, so the external GPU provider computes each
// embedding at most once no matter how many narration tasks request the
// same voice at the same time. An optional Badger-backed store persists
// embeddings across restarts.
package voicecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/story-narrator/narration-service/internal/core"
)

// Static errors.
var (
	// ErrKeyEmpty indicates that the cache key is empty.
	ErrKeyEmpty = errors.New("cache key cannot be empty")
	// ErrNilCompute indicates that no compute function was provided.
	ErrNilCompute = errors.New("compute function cannot be nil")
)

// ComputeFunc produces the embedding for a key on a cache miss. It is
// invoked exactly once per key even under concurrent callers.
type ComputeFunc func(ctx context.Context) (*core.VoiceEmbedding, error)

// Options configures the cache.
type Options struct {
	// Capacity is the maximum number of entries. Zero means unbounded.
	Capacity int
	// MaxBytes is the maximum total payload size. Zero means unbounded.
	MaxBytes int64
	// TTL is the maximum age since last use before the periodic sweep
	// evicts an entry. Zero disables TTL eviction.
	TTL time.Duration
	// Store, when non-nil, persists embeddings across restarts. Reads
	// are consulted before the compute function; writes happen after a
	// successful compute.
	Store *BadgerStore
}

type entry struct {
	embedding *core.VoiceEmbedding
	element   *list.Element
}

type inflight struct {
	done      chan struct{}
	embedding *core.VoiceEmbedding
	err       error
}

// Cache is a concurrency-safe voice embedding cache. It is the only
// resource shared across concurrent narration tasks.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List // front = most recently used
	inflight   map[string]*inflight
	defaultKey string
	totalBytes int64
	opts       Options
	log        *logger.Logger
}

// New creates an empty cache.
func New(opts Options, log *logger.Logger) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		order:    list.New(),
		inflight: make(map[string]*inflight),
		opts:     opts,
		log:      log,
	}
}

// GetOrCompute returns the embedding for key, computing and caching it on a
// miss. Concurrent misses for the same key share one computation; every
// waiter receives the same embedding or the same error. A failed computation
// caches nothing, so a later call re-attempts it.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	key string,
	compute ComputeFunc,
) (*core.VoiceEmbedding, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}

	if compute == nil {
		return nil, ErrNilCompute
	}

	c.mu.Lock()

	if ent, ok := c.entries[key]; ok {
		c.touchLocked(ent)
		embedding := ent.embedding
		c.mu.Unlock()

		return embedding, nil
	}

	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()

		return c.await(ctx, call)
	}

	call := &inflight{done: make(chan struct{}), embedding: nil, err: nil}
	c.inflight[key] = call
	c.mu.Unlock()

	call.embedding, call.err = c.load(ctx, key, compute)
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, key)

	if call.err == nil {
		c.insertLocked(key, call.embedding)
	}
	c.mu.Unlock()

	return call.embedding, call.err
}

// Invalidate removes the entry for key from memory and, when persistence is
// configured, from the backing store.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()

	if ent, ok := c.entries[key]; ok {
		c.removeLocked(key, ent)
	}

	if c.defaultKey == key {
		c.defaultKey = ""
	}
	c.mu.Unlock()

	if c.opts.Store != nil {
		deleteErr := c.opts.Store.Delete(key)
		if deleteErr != nil {
			c.log.Warn("Failed to delete embedding '%s' from store: %v", key, deleteErr)
		}
	}
}

// SetDefault pins the entry for key: it is excluded from both LRU and TTL
// eviction until another key is pinned or the entry is invalidated. Used for
// the shared default narrator voice.
func (c *Cache) SetDefault(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.defaultKey = key
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Sweep evicts entries whose last use is older than the configured TTL.
// It returns the number of evicted entries.
func (c *Cache) Sweep(now time.Time) int {
	if c.opts.TTL <= 0 {
		return 0
	}

	cutoff := now.Add(-c.opts.TTL)

	c.mu.Lock()

	var expired []string

	for key, ent := range c.entries {
		if key == c.defaultKey {
			continue
		}

		if ent.embedding.LastUsedAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		c.removeLocked(key, c.entries[key])
	}
	c.mu.Unlock()

	for _, key := range expired {
		c.deleteFromStore(key)
	}

	return len(expired)
}

// RunSweeper evicts expired entries at the given interval until the context
// is cancelled. Intended to run as a background goroutine.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := c.Sweep(now)
			if evicted > 0 {
				c.log.Info("Evicted %d expired voice embeddings", evicted)
			}
		}
	}
}

// await blocks until the shared computation finishes or the caller's context
// is cancelled.
func (c *Cache) await(ctx context.Context, call *inflight) (*core.VoiceEmbedding, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for in-flight embedding computation: %w", ctx.Err())
	case <-call.done:
		return call.embedding, call.err
	}
}

// load resolves a miss: the persistent store first, then the compute
// function. Loaded and computed embeddings are stamped with the key and
// usage timestamps.
func (c *Cache) load(
	ctx context.Context,
	key string,
	compute ComputeFunc,
) (*core.VoiceEmbedding, error) {
	if c.opts.Store != nil {
		stored, found, loadErr := c.opts.Store.Get(key)
		if loadErr != nil {
			c.log.Warn("Failed to read embedding '%s' from store: %v", key, loadErr)
		} else if found {
			stored.LastUsedAt = time.Now()

			return stored, nil
		}
	}

	embedding, err := compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing voice embedding for key '%s': %w", key, err)
	}

	now := time.Now()
	embedding.Key = key
	embedding.CreatedAt = now
	embedding.LastUsedAt = now

	if c.opts.Store != nil {
		putErr := c.opts.Store.Put(embedding)
		if putErr != nil {
			c.log.Warn("Failed to persist embedding '%s': %v", key, putErr)
		}
	}

	return embedding, nil
}

func (c *Cache) touchLocked(ent *entry) {
	ent.embedding.LastUsedAt = time.Now()
	c.order.MoveToFront(ent.element)
}

func (c *Cache) insertLocked(key string, embedding *core.VoiceEmbedding) {
	if existing, ok := c.entries[key]; ok {
		c.touchLocked(existing)

		return
	}

	element := c.order.PushFront(key)
	c.entries[key] = &entry{embedding: embedding, element: element}
	c.totalBytes += embedding.Size()

	c.evictLocked()
}

// evictLocked drops least-recently-used entries until the cache is within
// its count and byte budgets. The pinned default entry is skipped. Evicted
// entries stay in the persistent store; only TTL expiry removes them there.
func (c *Cache) evictLocked() {
	overCapacity := func() bool {
		if c.opts.Capacity > 0 && len(c.entries) > c.opts.Capacity {
			return true
		}

		return c.opts.MaxBytes > 0 && c.totalBytes > c.opts.MaxBytes
	}

	element := c.order.Back()
	for overCapacity() && element != nil {
		prev := element.Prev()

		key, _ := element.Value.(string)
		if key != c.defaultKey {
			c.removeLocked(key, c.entries[key])
		}

		element = prev
	}
}

func (c *Cache) removeLocked(key string, ent *entry) {
	c.order.Remove(ent.element)
	delete(c.entries, key)
	c.totalBytes -= ent.embedding.Size()
}

func (c *Cache) deleteFromStore(key string) {
	if c.opts.Store == nil {
		return
	}

	deleteErr := c.opts.Store.Delete(key)
	if deleteErr != nil {
		c.log.Warn("Failed to delete embedding '%s' from store: %v", key, deleteErr)
	}
}
