package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a keyed rate-limiter pool shared by throttled operations
// (badge refresh, last-seen heartbeat, reply-context hydration, typing).
// Keys combine a conversation id with an operation name so different call
// sites for the same operation share one minimum interval.
type Limiter struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// New returns an empty limiter pool.
func New() *Limiter {
	return &Limiter{m: make(map[string]*rate.Limiter)}
}

func (l *Limiter) get(key string, every time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.m[key]; ok {
		return lim
	}
	if every <= 0 {
		every = time.Second
	}
	lim := rate.NewLimiter(rate.Every(every), 1)
	l.m[key] = lim
	return lim
}

// Allow reports whether the operation op for conversation conv may run now,
// enforcing at most one run per `every` interval. The first call for a key
// always passes.
func (l *Limiter) Allow(conv, op string, every time.Duration) bool {
	return l.get(conv+":"+op, every).Allow()
}

// Reset forgets the limiter for a key, so the next Allow passes
// immediately. Used when a conversation session is torn down.
func (l *Limiter) Reset(conv, op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, conv+":"+op)
}
