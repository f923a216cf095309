package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Idle hosts are forgotten after limiterIdle, checked every limiterSweep.
const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter keeps one token bucket per remote host. It guards connection
// attempts on the protocol listener and requests on the admin API.
type IPLimiter struct {
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
}

// NewIPLimiter allows count events per host within window.
// A non-positive count or window disables limiting.
func NewIPLimiter(count int, window time.Duration) *IPLimiter {
	l := &IPLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Inf,
	}

	if count > 0 && window > 0 {
		l.limit = rate.Limit(float64(count) / window.Seconds())
		l.burst = count
	}

	return l
}

// Allow consumes one token of host and reports whether it was available.
func (l *IPLimiter) Allow(host string) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	b, found := l.buckets[host]
	if !found {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[host] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Collect drops the buckets of quiet hosts until done is closed.
func (l *IPLimiter) Collect(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *IPLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for host, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(l.buckets, host)
		}
	}
}

// Len returns the number of tracked hosts.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}
