// Package cache implements the single-flight TTS cache: it maps a fingerprint
// of (model, voice, text) to an audio artifact, guaranteeing at most one
// concurrent synthesis per fingerprint regardless of how many callers race on
// it. Completed entries are bounded by LRU count eviction and a TTL sweep.
//
// All map and LRU mutations happen under one mutex; synthesis work and waits
// on pending entries always happen outside it.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/overvoice/overvoice/internal/observe"
)

const (
	// DefaultMaxSize bounds the number of completed entries.
	DefaultMaxSize = 1000

	// DefaultTTL is how long a completed entry may live.
	DefaultTTL = time.Hour

	// minSweepInterval is the floor for the TTL sweeper period.
	minSweepInterval = 30 * time.Second
)

// ErrWaitTimeout is returned by Get when the deadline expires while waiting
// on a pending entry.
var ErrWaitTimeout = errors.New("cache: wait deadline exceeded")

// Synthesizer produces audio bytes for one (model, voice, text) triple.
// Implemented by the dispatcher.
type Synthesizer interface {
	Synthesize(ctx context.Context, model, voice, text string) ([]byte, error)
}

// status is the lifecycle state of a cache entry.
type status int

const (
	statusPending status = iota
	statusCompleted
	statusFailed
)

// entry is one cached synthesis. The owning Cache's mutex guards every field
// except done, which is written once at creation and closed exactly once by
// the resolver.
type entry struct {
	fingerprint string
	model       string
	voice       string
	text        string

	status      status
	audio       []byte
	err         error
	createdAt   time.Time
	completedAt time.Time
	waiters     int

	// done is closed when the entry leaves Pending. Receivers read status,
	// audio, and err under the cache mutex afterwards.
	done chan struct{}

	// elem is the entry's node in the LRU list; nil once removed.
	elem *list.Element
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size         int     `json:"size"`
	MaxSize      int     `json:"max_size"`
	Pending      int     `json:"pending"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	EvictionsLRU int64   `json:"evictions_lru"`
	EvictionsTTL int64   `json:"evictions_ttl"`
	TTLSeconds   float64 `json:"ttl_seconds"`
}

// Option is a functional option for configuring a Cache.
type Option func(*Cache)

// WithMaxSize bounds the number of completed entries (DefaultMaxSize when <= 0).
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithTTL sets the completed-entry lifetime (DefaultTTL when <= 0).
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMetrics wires metric recording. Without it, no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the cache's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the single-flight audio cache. Safe for concurrent use.
type Cache struct {
	synth   Synthesizer
	maxSize int
	ttl     time.Duration
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = oldest, back = most recently used
	pending int

	hits         int64
	misses       int64
	evictionsLRU int64
	evictionsTTL int64
}

// New creates a Cache that synthesizes misses through synth.
func New(synth Synthesizer, opts ...Option) *Cache {
	c := &Cache{
		synth:   synth,
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit starts a background synthesis for the triple unless an entry for its
// fingerprint is already pending or completed. Fire-and-forget and
// idempotent: racing submits produce exactly one synthesis.
//
// The launched synthesis outlives ctx; client disconnects must not waste
// work that future requests can reuse.
func (c *Cache) Submit(ctx context.Context, model, voice, text string) {
	fp := Fingerprint(model, voice, text)

	c.mu.Lock()
	if _, ok := c.entries[fp]; ok {
		c.mu.Unlock()
		return
	}
	e := c.insertPendingLocked(fp, model, voice, text)
	c.mu.Unlock()

	go c.synthesize(context.WithoutCancel(ctx), e)
}

// Get returns the audio for the triple. Completed entries return immediately
// and count as hits. Pending entries block until resolution or ctx ends.
// Absent entries behave as Submit followed by a wait on the new entry.
//
// The error wraps [ErrWaitTimeout] when ctx expired first; synthesis failures
// propagate the dispatcher's error to every waiter.
func (c *Cache) Get(ctx context.Context, model, voice, text string) ([]byte, error) {
	fp := Fingerprint(model, voice, text)

	c.mu.Lock()
	e, ok := c.entries[fp]
	if ok && e.status == statusCompleted {
		c.hits++
		c.lru.MoveToBack(e.elem)
		audio := e.audio
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(ctx, "hit")
		return audio, nil
	}
	if !ok {
		c.misses++
		e = c.insertPendingLocked(fp, model, voice, text)
		go c.synthesize(context.WithoutCancel(ctx), e)
		c.metrics.RecordCacheLookup(ctx, "miss")
	} else {
		// Pending: count as a hit, the prefetch already covers this text.
		c.hits++
		c.metrics.RecordCacheLookup(ctx, "hit")
	}
	e.waiters++
	done := e.done
	c.mu.Unlock()

	waitStart := c.now()
	select {
	case <-done:
	case <-ctx.Done():
		c.mu.Lock()
		e.waiters--
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrWaitTimeout, ctx.Err())
	}
	c.metrics.RecordCacheWait(ctx, c.now().Sub(waitStart))

	c.mu.Lock()
	defer c.mu.Unlock()
	e.waiters--
	if e.status == statusFailed {
		return nil, e.err
	}
	// Touch the LRU only while e is still the mapped entry: a Clear during
	// the wait leaves e.elem pointing into the re-initialised list, and
	// moving it would splice a dropped node back in.
	if c.entries[e.fingerprint] == e && e.elem != nil {
		c.lru.MoveToBack(e.elem)
	}
	return e.audio, nil
}

// Contains reports whether a completed or pending entry exists for the
// triple, without touching LRU order or counters.
func (c *Cache) Contains(model, voice, text string) bool {
	fp := Fingerprint(model, voice, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[fp]
	return ok
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:         len(c.entries),
		MaxSize:      c.maxSize,
		Pending:      c.pending,
		Hits:         c.hits,
		Misses:       c.misses,
		EvictionsLRU: c.evictionsLRU,
		EvictionsTTL: c.evictionsTTL,
		TTLSeconds:   c.ttl.Seconds(),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear drops every entry and returns how many were dropped. In-flight
// synthesizers keep running; their resolver notices the entry is no longer
// mapped and discards the result, still waking any waiters that attached
// before the clear.
func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.mu.Unlock()

	c.metrics.RecordEviction(ctx, "clear", int64(n))
	return n
}

// Run periodically sweeps expired completed entries until ctx ends. The
// sweep period is ttl/10 with a 30s floor. Intended to run on its own
// goroutine.
func (c *Cache) Run(ctx context.Context) {
	interval := c.ttl / 10
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.metrics.RecordEviction(ctx, "ttl", int64(n))
				observe.Logger(ctx).Debug("ttl sweep evicted entries", "count", n)
			}
		}
	}
}

// sweep removes completed entries older than the TTL and returns how many
// were removed. Pending entries are exempt.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	var removed int
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.status == statusCompleted && e.createdAt.Before(cutoff) {
			c.removeLocked(e)
			c.evictionsTTL++
			removed++
		}
		el = next
	}
	return removed
}

// insertPendingLocked creates a Pending entry, registers it in the map and
// LRU in lock-step, and returns it. Caller holds c.mu and has verified the
// fingerprint is absent.
func (c *Cache) insertPendingLocked(fp, model, voice, text string) *entry {
	e := &entry{
		fingerprint: fp,
		model:       model,
		voice:       voice,
		text:        text,
		status:      statusPending,
		createdAt:   c.now(),
		done:        make(chan struct{}),
	}
	c.entries[fp] = e
	e.elem = c.lru.PushBack(e)
	c.pending++
	return e
}

// synthesize runs one background synthesis for e and resolves the entry.
// Runs on its own goroutine, never under the cache mutex.
func (c *Cache) synthesize(ctx context.Context, e *entry) {
	c.metrics.AddPending(ctx, 1)
	defer c.metrics.AddPending(ctx, -1)

	audio, err := c.synth.Synthesize(ctx, e.model, e.voice, e.text)
	c.resolve(ctx, e, audio, err)
}

// resolve transitions e out of Pending, wakes all waiters, and applies
// eviction policy. When the entry was cleared from the map while the
// synthesis ran, the result is written to the entry (so attached waiters
// still observe it) but the map and LRU are left untouched.
func (c *Cache) resolve(ctx context.Context, e *entry, audio []byte, err error) {
	var evictedLRU int64

	c.mu.Lock()
	c.pending--
	e.completedAt = c.now()
	if err != nil {
		e.status = statusFailed
		e.err = err
	} else {
		e.status = statusCompleted
		e.audio = audio
	}
	close(e.done)

	mapped := c.entries[e.fingerprint] == e
	switch {
	case !mapped:
		// Cleared while in flight: discard.
	case err != nil:
		// Failed entries are never served from cache; remove so the next
		// submission retries fresh.
		c.removeLocked(e)
	default:
		c.lru.MoveToBack(e.elem)
		evictedLRU = c.evictOverflowLocked()
	}
	c.mu.Unlock()

	if !mapped {
		observe.Logger(ctx).Debug("discarding orphaned synthesis result",
			"fingerprint", e.fingerprint)
	}
	if err != nil {
		c.metrics.RecordEviction(ctx, "failed", 1)
		observe.Logger(ctx).Warn("synthesis failed",
			"fingerprint", e.fingerprint,
			"error", err,
		)
	}
	c.metrics.RecordEviction(ctx, "lru", evictedLRU)
}

// evictOverflowLocked removes completed entries from the LRU head until the
// map is within maxSize, skipping pending entries. Returns the eviction
// count. Caller holds c.mu.
func (c *Cache) evictOverflowLocked() int64 {
	var evicted int64
	el := c.lru.Front()
	for el != nil && len(c.entries) > c.maxSize {
		next := el.Next()
		e := el.Value.(*entry)
		if e.status == statusCompleted {
			c.removeLocked(e)
			c.evictionsLRU++
			evicted++
		}
		el = next
	}
	return evicted
}

// removeLocked drops e from the map and LRU. Caller holds c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.fingerprint)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
}
