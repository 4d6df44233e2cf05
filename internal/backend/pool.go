// Package backend tracks the set of configured TTS backends: per-backend
// concurrency slots, consecutive-failure accounting with exponential
// cooldown, and least-loaded selection.
//
// The Pool is the single owner of all mutable backend state. The dispatcher
// acquires a backend before each synthesis call and reports the outcome back;
// the pool never performs I/O itself (the optional health prober lives in
// this package but runs on its own goroutine).
//
// All methods are safe for concurrent use.
package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultMaxConcurrent is the per-backend concurrency cap when the
	// configuration does not specify one.
	DefaultMaxConcurrent = 3

	// cooldownThreshold is the number of consecutive failures after which a
	// backend enters cooldown.
	cooldownThreshold = 3

	// cooldownBase is the cooldown applied at exactly cooldownThreshold
	// consecutive failures; each further failure doubles it.
	cooldownBase = 30 * time.Second

	// cooldownCeiling caps the exponential cooldown.
	cooldownCeiling = 5 * time.Minute
)

// ErrNoBackends is returned by [New] when the backend list is empty.
var ErrNoBackends = errors.New("backend: at least one backend is required")

// Backend is the mutable state for one configured TTS endpoint. All fields
// are guarded by the owning Pool's mutex; read them through [Pool.Stats].
type Backend struct {
	url           string
	maxConcurrent int

	inFlight            int
	consecutiveFailures int
	cooldownUntil       time.Time
	totalRequests       int64
	totalFailures       int64
	totalLatency        time.Duration
	completed           int64

	// probeHealthy reflects the last health-probe result; nil until the
	// first probe completes (or forever when probing is disabled).
	probeHealthy *bool
}

// URL returns the backend's base URL.
func (b *Backend) URL() string { return b.url }

// Stat is a point-in-time snapshot of one backend's state.
type Stat struct {
	URL                 string     `json:"url"`
	InFlight            int        `json:"in_flight"`
	MaxConcurrent       int        `json:"max_concurrent"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CoolingDown         bool       `json:"cooling_down"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	TotalRequests       int64      `json:"total_requests"`
	TotalFailures       int64      `json:"total_failures"`
	AvgLatencySeconds   float64    `json:"avg_latency_seconds"`
	ProbeHealthy        *bool      `json:"probe_healthy,omitempty"`
}

// Pool holds the ordered list of configured backends and hands out
// concurrency slots.
type Pool struct {
	mu       sync.Mutex
	backends []*Backend

	// wake is closed and replaced whenever a slot frees up or a cooldown is
	// cleared, waking all blocked Acquire calls for a fresh selection pass.
	wake chan struct{}

	now func() time.Time // injectable clock for tests
}

// Option is a functional option for configuring a Pool.
type Option func(*Pool)

// WithClock overrides the pool's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a Pool for the given backend URLs, each capped at maxConcurrent
// in-flight requests (DefaultMaxConcurrent when <= 0).
func New(urls []string, maxConcurrent int, opts ...Option) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoBackends
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	p := &Pool{
		wake: make(chan struct{}),
		now:  time.Now,
	}
	for _, u := range urls {
		p.backends = append(p.backends, &Backend{
			url:           trimSlash(u),
			maxConcurrent: maxConcurrent,
		})
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Acquire selects the least-loaded backend that has a free slot and is not in
// cooldown, blocking until one becomes available or ctx ends. Ties are broken
// by fewest consecutive failures, then fewest total requests, which degrades
// to round-robin when all backends are equally loaded.
//
// The returned release function frees the slot and must be called exactly
// once, regardless of the request outcome.
func (p *Pool) Acquire(ctx context.Context) (*Backend, func(), error) {
	for {
		p.mu.Lock()
		now := p.now()
		if b := p.selectLocked(now); b != nil {
			b.inFlight++
			b.totalRequests++
			p.mu.Unlock()
			var once sync.Once
			release := func() {
				once.Do(func() {
					p.mu.Lock()
					b.inFlight--
					p.notifyLocked()
					p.mu.Unlock()
				})
			}
			return b, release, nil
		}
		wake := p.wake
		retry := p.nextCooldownExpiryLocked(now)
		p.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if retry > 0 {
			timer = time.NewTimer(retry)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// ReportSuccess records a successful request against b: the consecutive
// failure count resets and any cooldown is cleared. latency contributes to
// the backend's average-latency statistic.
func (p *Pool) ReportSuccess(b *Backend, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.consecutiveFailures = 0
	b.cooldownUntil = time.Time{}
	b.totalLatency += latency
	b.completed++
	p.notifyLocked()
}

// ReportFailure records a failed request against b. Once the consecutive
// failure count reaches the threshold the backend enters an exponentially
// growing cooldown, capped at cooldownCeiling, during which selection skips it.
func (p *Pool) ReportFailure(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.consecutiveFailures++
	b.totalFailures++
	if n := b.consecutiveFailures; n >= cooldownThreshold {
		d := cooldownBase << (n - cooldownThreshold)
		if d > cooldownCeiling || d <= 0 {
			d = cooldownCeiling
		}
		b.cooldownUntil = p.now().Add(d)
	}
}

// SetProbeResult stores the outcome of a health probe for the backend with
// the given URL. A healthy probe clears any active cooldown so traffic can
// resume before the backoff window expires.
func (p *Pool) SetProbeResult(url string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.url != trimSlash(url) {
			continue
		}
		h := healthy
		b.probeHealthy = &h
		if healthy && !b.cooldownUntil.IsZero() {
			b.cooldownUntil = time.Time{}
			b.consecutiveFailures = 0
			p.notifyLocked()
		}
		return
	}
}

// URLs returns the configured backend base URLs in order.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, len(p.backends))
	for i, b := range p.backends {
		urls[i] = b.url
	}
	return urls
}

// Stats returns a snapshot of every backend's state, in configuration order.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	stats := make([]Stat, 0, len(p.backends))
	for _, b := range p.backends {
		s := Stat{
			URL:                 b.url,
			InFlight:            b.inFlight,
			MaxConcurrent:       b.maxConcurrent,
			ConsecutiveFailures: b.consecutiveFailures,
			CoolingDown:         b.cooldownUntil.After(now),
			TotalRequests:       b.totalRequests,
			TotalFailures:       b.totalFailures,
			ProbeHealthy:        b.probeHealthy,
		}
		if s.CoolingDown {
			t := b.cooldownUntil
			s.CooldownUntil = &t
		}
		if b.completed > 0 {
			s.AvgLatencySeconds = b.totalLatency.Seconds() / float64(b.completed)
		}
		stats = append(stats, s)
	}
	return stats
}

// selectLocked returns the best eligible backend or nil. Caller holds p.mu.
func (p *Pool) selectLocked(now time.Time) *Backend {
	var best *Backend
	for _, b := range p.backends {
		if b.inFlight >= b.maxConcurrent || b.cooldownUntil.After(now) {
			continue
		}
		if best == nil || lessLoaded(b, best) {
			best = b
		}
	}
	return best
}

// lessLoaded reports whether a should be preferred over b for selection.
func lessLoaded(a, b *Backend) bool {
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	if a.consecutiveFailures != b.consecutiveFailures {
		return a.consecutiveFailures < b.consecutiveFailures
	}
	return a.totalRequests < b.totalRequests
}

// nextCooldownExpiryLocked returns how long until the earliest cooldown
// expires, or 0 when no backend is cooling down. Caller holds p.mu.
func (p *Pool) nextCooldownExpiryLocked(now time.Time) time.Duration {
	var earliest time.Time
	for _, b := range p.backends {
		if !b.cooldownUntil.After(now) {
			continue
		}
		if earliest.IsZero() || b.cooldownUntil.Before(earliest) {
			earliest = b.cooldownUntil
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return earliest.Sub(now)
}

// notifyLocked wakes all blocked Acquire calls. Caller holds p.mu.
func (p *Pool) notifyLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func trimSlash(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}
