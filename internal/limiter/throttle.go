package limiter

import (
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a per-address token bucket. It bounds how fast a single network
// address can submit credentials, independently of which principal it targets.
type Throttle struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*bucket
	swept   time.Time
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewThrottle builds a throttle allowing rps requests per second with the given burst.
// Buckets unused for idle are evicted.
func NewThrottle(rps float64, burst int, idle time.Duration) *Throttle {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Throttle{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether addr may proceed now.
func (t *Throttle) Allow(addr string) bool {
	key := hex.EncodeToString(HashIP(addr))
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	t.evictLocked(now)
	return allowed
}

func (t *Throttle) evictLocked(now time.Time) {
	if now.Sub(t.swept) < t.idle {
		return
	}
	t.swept = now
	for k, b := range t.buckets {
		if now.Sub(b.seen) > t.idle {
			delete(t.buckets, k)
		}
	}
}

// Len returns the number of tracked addresses.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
