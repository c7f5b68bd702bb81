// Package ratelimit provides keyed token-bucket limiters.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config describes one bucket shape.
type Config struct {
	// PerMinute is the sustained refill rate.
	PerMinute float64 `yaml:"per_minute" json:"per_minute" env:"PER_MINUTE" validate:"gte=0"`
	// Burst is the bucket capacity. Defaults to PerMinute.
	Burst int `yaml:"burst" json:"burst" env:"BURST" validate:"gte=0"`
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.PerMinute > 0
}

func (c Config) capacity() float64 {
	if c.Burst > 0 {
		return float64(c.Burst)
	}
	if c.PerMinute < 1 {
		return 1
	}
	return c.PerMinute
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one bucket per key. The zero Config disables limiting.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]*bucket
	maxKeys int
	now     func() time.Time
}

// NewLimiter builds a keyed limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		config:  config,
		buckets: make(map[string]*bucket),
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow takes one token for key. When the bucket is empty it returns false
// and how long until a token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || !l.config.Enabled() {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(key, now)
	l.refillLocked(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	perSecond := l.config.PerMinute / 60
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) bucketLocked(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked(now)
	}
	b := &bucket{tokens: l.config.capacity(), lastRefill: now}
	l.buckets[key] = b
	return b
}

func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * l.config.PerMinute / 60
	if capacity := l.config.capacity(); b.tokens > capacity {
		b.tokens = capacity
	}
}

// pruneLocked drops buckets that have refilled completely.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		l.refillLocked(b, now)
		if b.tokens >= l.config.capacity() {
			delete(l.buckets, key)
		}
	}
}

// Key joins parts into a limiter key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
