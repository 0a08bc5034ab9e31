package control

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// actorLimiter applies one token bucket per actor and evicts idle actors.
type actorLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	byActor map[string]*actorBucket
	hits    uint64
}

type actorBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newActorLimiter returns nil (no limiting) when perMinute or burst is not positive.
func newActorLimiter(perMinute float64, burst int) *actorLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &actorLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		idleTTL: 30 * time.Minute,
		byActor: make(map[string]*actorBucket),
	}
}

func (l *actorLimiter) Allow(actor string, now time.Time) bool {
	if l == nil {
		return true
	}
	actor = strings.TrimSpace(actor)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byActor[actor]
	if !ok {
		b = &actorBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byActor[actor] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byActor {
			if v.lastSeen.Before(cutoff) {
				delete(l.byActor, k)
			}
		}
	}
	return allowed
}
