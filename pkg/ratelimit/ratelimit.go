// Package ratelimit implements the process-global minimum-interval gate
// described in spec §4.4 and §4.8. Unlike the teacher's
// infrastructure/ratelimit.RateLimiter (a burstable token bucket over
// golang.org/x/time/rate), this gate has no burst: every call to Wait
// enqueues FIFO and blocks until at least MinInterval has elapsed since the
// previous dequeue, so no two calls ever return within MinInterval of each
// other. golang.org/x/time/rate is still the underlying primitive — burst
// is pinned to 1 and configure() only ever tightens the limit, never loosens
// it, matching the "monotonic: only increases the floor" contract.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is a single-process, serialized FIFO rate gate. The zero value is not
// usable; construct with New.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	limiter     *rate.Limiter
}

// New constructs a Gate with the given minimum interval between calls. A
// non-positive interval means unrestricted (Wait goes through an
// infinite-rate limiter, which never blocks).
func New(minInterval time.Duration) *Gate {
	g := &Gate{}
	g.configureLocked(minInterval)
	return g
}

// Configure raises the floor to minInterval if it is stricter (longer) than
// the current one; it never loosens an existing floor (spec §4.8).
func (g *Gate) Configure(minInterval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if minInterval <= g.minInterval {
		return
	}
	g.configureLocked(minInterval)
}

func (g *Gate) configureLocked(minInterval time.Duration) {
	g.minInterval = minInterval
	if minInterval <= 0 {
		g.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	g.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
}

// Wait blocks until it is this caller's turn: no two Wait calls across the
// process return within MinInterval of one another. Callers queue FIFO
// behind the x/time/rate limiter's internal reservation queue (burst=1
// forces strict serialization). Returns ctx.Err() if ctx is canceled first.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()
	return limiter.Wait(ctx)
}

// MinInterval reports the currently configured floor.
func (g *Gate) MinInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minInterval
}

// FromQPS converts a queries-per-second budget into the minimum interval
// gate configuration, per spec §4.4 ("1000 / rate_limit_qps ms").
func FromQPS(qps float64) time.Duration {
	if qps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / qps)
}
