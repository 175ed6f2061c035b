package signal

import (
	"sync"
	"time"

	"github.com/dkeye/vac/internal/domain"
)

// TabRateLimiter is a sliding window limiter keyed by tab.
type TabRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.TabID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewTabRateLimiter(limit int, interval time.Duration) *TabRateLimiter {
	return &TabRateLimiter{
		history:  make(map[domain.TabID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *TabRateLimiter) Allow(id domain.TabID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	rl.history[id] = append(fresh, now)
	return true
}

// Forget drops the history of a tab that went away.
func (rl *TabRateLimiter) Forget(id domain.TabID) {
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
