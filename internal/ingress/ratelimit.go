package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter enforces a per-IP sliding window over public tunnel
// traffic. Only dispatched requests count against the window; denied ones
// do not extend it.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	requests map[string][]time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// Allow records one request for ip and reports whether it fits inside the
// window.
func (l *RateLimiter) Allow(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.requests[ip]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) >= l.limit {
		l.requests[ip] = live
		return false
	}
	l.requests[ip] = append(live, now)
	return true
}

// GC drops IPs whose every stamp has aged out of the window and returns
// how many were removed. Without it the table grows with every client
// ever seen.
func (l *RateLimiter) GC() int {
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, stamps := range l.requests {
		idle := true
		for _, ts := range stamps {
			if ts.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.requests, ip)
			removed++
		}
	}
	return removed
}

// Len reports how many IPs are currently tracked.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// StartGC sweeps idle IP entries until ctx is canceled.
func (l *RateLimiter) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := l.GC(); removed > 0 {
					slog.Debug("rate limiter dropped idle clients", "count", removed)
				}
			}
		}
	}()
}
