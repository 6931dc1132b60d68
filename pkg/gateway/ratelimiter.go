package gateway

import (
	"sync"
	"time"
)

// ipLimiter enforces a sliding one-minute request window per remote IP on
// the mutating endpoints. The event stream and health surfaces are not
// limited.
type ipLimiter struct {
	mu        sync.Mutex
	perMinute int
	hits      map[string][]time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		perMinute: perMinute,
		hits:      make(map[string][]time.Time),
	}
}

// allow records the request and reports whether it fits in the window.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	kept := l.hits[ip][:0]
	for _, t := range l.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.perMinute {
		l.hits[ip] = kept
		return false
	}

	l.hits[ip] = append(kept, now)
	l.pruneLocked(cutoff)
	return true
}

// pruneLocked drops IPs whose whole window has aged out, keeping the map
// bounded under churny clients.
func (l *ipLimiter) pruneLocked(cutoff time.Time) {
	if len(l.hits) < 1024 {
		return
	}
	for ip, times := range l.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.hits, ip)
		}
	}
}
