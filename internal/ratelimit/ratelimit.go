// Package ratelimit implements the send-rate ceiling the forwarding
// worker blocks on before every dequeue, per spec §4.C: token bucket,
// fixed window, leaky bucket, and an ordered composite of any of the
// above. Grounded on original_source/app/rate_limiter.py's variant
// set, replacing its module-level singleton with an explicit
// constructed instance per the design note in spec §9.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter blocks the caller until exactly one permit is granted. It
// never fails; starvation-freedom, not fairness, is the only ordering
// guarantee.
type Limiter interface {
	Acquire()
}

// clock abstracts time.Now/time.Sleep so tests can inject a fake
// monotonic clock instead of waiting on a wall clock, the way the
// pack's ubbagent retry sender takes a Clock parameter.
type clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time       { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// TokenBucket grants a permit per token; tokens refill continuously at
// refillRate per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	clock      clock
}

// NewTokenBucket builds a limiter with the given capacity (max tokens)
// and refillRate (tokens/sec), starting full.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, realClock{})
}

func newTokenBucket(capacity, refillRate float64, c clock) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: c.Now(),
		clock:      c,
	}
}

func (b *TokenBucket) Acquire() {
	for {
		b.mu.Lock()
		now := b.clock.Now()
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return
		}
		wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
		b.mu.Unlock()
		b.clock.Sleep(wait)
	}
}

// FixedWindow grants up to limit permits per window, resetting the
// counter each time the window elapses.
type FixedWindow struct {
	mu          sync.Mutex
	window      time.Duration
	limit       int
	count       int
	windowStart time.Time
	clock       clock
}

// NewFixedWindow builds a limiter granting limit permits per window.
func NewFixedWindow(window time.Duration, limit int) *FixedWindow {
	return newFixedWindow(window, limit, realClock{})
}

func newFixedWindow(window time.Duration, limit int, c clock) *FixedWindow {
	return &FixedWindow{window: window, limit: limit, windowStart: c.Now(), clock: c}
}

func (f *FixedWindow) Acquire() {
	for {
		f.mu.Lock()
		now := f.clock.Now()
		if now.Sub(f.windowStart) >= f.window {
			f.windowStart = now
			f.count = 0
		}
		if f.count < f.limit {
			f.count++
			f.mu.Unlock()
			return
		}
		wait := f.window - now.Sub(f.windowStart)
		f.mu.Unlock()
		if wait > 0 {
			f.clock.Sleep(wait)
		}
	}
}

// LeakyBucket grants a permit as long as volume stays under capacity;
// volume leaks away continuously at leakRate per second.
type LeakyBucket struct {
	mu       sync.Mutex
	capacity float64
	leakRate float64
	volume   float64
	lastLeak time.Time
	clock    clock
}

// NewLeakyBucket builds a limiter with the given capacity and leakRate
// (units/sec), starting empty.
func NewLeakyBucket(capacity, leakRate float64) *LeakyBucket {
	return newLeakyBucket(capacity, leakRate, realClock{})
}

func newLeakyBucket(capacity, leakRate float64, c clock) *LeakyBucket {
	return &LeakyBucket{capacity: capacity, leakRate: leakRate, lastLeak: c.Now(), clock: c}
}

func (l *LeakyBucket) Acquire() {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		elapsed := now.Sub(l.lastLeak).Seconds()
		l.volume -= elapsed * l.leakRate
		if l.volume < 0 {
			l.volume = 0
		}
		l.lastLeak = now

		if l.volume < l.capacity {
			l.volume++
			l.mu.Unlock()
			return
		}
		wait := time.Duration((l.volume - l.capacity + 1) / l.leakRate * float64(time.Second))
		l.mu.Unlock()
		l.clock.Sleep(wait)
	}
}

// Composite acquires each sub-limiter in order; the first to block
// blocks the whole chain.
type Composite struct {
	limiters []Limiter
}

// NewComposite builds a limiter chaining limiters in the given order.
func NewComposite(limiters ...Limiter) *Composite {
	return &Composite{limiters: limiters}
}

func (c *Composite) Acquire() {
	for _, l := range c.limiters {
		l.Acquire()
	}
}
