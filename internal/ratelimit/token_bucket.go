package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// rate of R tokens/sec adds exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate of tokens/sec up to a fixed
// capacity. It starts full.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	avail int64 // nano-tokens
	last  time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, ratePerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(capacityTokens)
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     ratePerSecond,
		avail:    capacity,
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	// A clock that moves backwards only resets the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.capacity {
		return
	}

	missing := b.capacity - b.avail
	// elapsed*rate can overflow; anything past the time needed to fill is a
	// full bucket anyway.
	if elapsed.Nanoseconds() >= missing/b.rate {
		b.avail = b.capacity
		return
	}
	b.avail += elapsed.Nanoseconds() * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}
