package ratelimit

import "sync"

// PeerLimiter enforces a packets/sec budget per peer key. Buckets are
// created on first use and, like the relay's peer set, never removed.
type PeerLimiter struct {
	clock Clock
	pps   int64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewPeerLimiter returns nil when packetsPerSecond <= 0; a nil limiter
// allows everything.
func NewPeerLimiter(clock Clock, packetsPerSecond int) *PeerLimiter {
	if packetsPerSecond <= 0 {
		return nil
	}
	return &PeerLimiter{
		clock:   clock,
		pps:     int64(packetsPerSecond),
		buckets: make(map[string]*TokenBucket),
	}
}

// Allow reports whether one more datagram from key fits its budget.
func (l *PeerLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.clock, l.pps, l.pps)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow(1)
}
