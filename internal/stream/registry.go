package stream

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// registry enforces the per-identity concurrent stream cap and smooths
// reconnect storms with a token bucket per identity.
type registry struct {
	mu       sync.Mutex
	max      int
	refill   time.Duration
	active   map[string]int
	limiters map[string]*rate.Limiter
}

func newRegistry(max int) *registry {
	return &registry{
		max:      max,
		refill:   time.Second,
		active:   make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
	}
}

// acquire admits a new stream for the identity. The caller must release.
func (r *registry) acquire(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.limiters[identity]
	if !ok {
		// A burst of max connections, refilling one token per refill period.
		limiter = rate.NewLimiter(rate.Every(r.refill), r.max)
		r.limiters[identity] = limiter
	}
	if !limiter.Allow() {
		return false
	}
	if r.active[identity] >= r.max {
		return false
	}
	r.active[identity]++
	return true
}

func (r *registry) release(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[identity] > 1 {
		r.active[identity]--
		return
	}
	delete(r.active, identity)
	// Drop the identity's bucket once its last stream ends and the bucket has
	// refilled, so transient clients do not accumulate entries forever. A
	// partially spent bucket stays so rapid reconnects keep being smoothed.
	if lim, ok := r.limiters[identity]; ok && lim.Tokens() >= float64(r.max) {
		delete(r.limiters, identity)
	}
}
