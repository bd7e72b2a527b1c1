package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter applies a token bucket per user id and periodically
// evicts idle entries so departed users do not accumulate.
type SendLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byID    map[int]*limiterEntry
	hits    uint64
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSendLimiter creates a per-user limiter; returns nil (meaning
// unlimited) if the arguments are invalid.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	return &SendLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		byID:    make(map[int]*limiterEntry),
		idleTTL: 10 * time.Minute,
	}
}

// Allow reports whether one token can be consumed for the user now.
// A nil limiter always allows.
func (l *SendLimiter) Allow(id int) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byID[id] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byID {
			if v.lastSeen.Before(cutoff) {
				delete(l.byID, k)
			}
		}
	}
	return allowed
}
