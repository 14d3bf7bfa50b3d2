package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limit struct {
	rate  rate.Limit
	burst int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store keeps one token bucket per caller+route. Routes default to the
// store-wide limit; hot paths like order submission get their own
// tighter limit via Override. Buckets idle past ttl are swept out.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	def     limit
	routes  map[string]limit
	ttl     time.Duration
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		buckets: make(map[string]*bucket, 1024),
		def:     limit{rate: r, burst: burst},
		routes:  make(map[string]limit, 8),
		ttl:     ttl,
	}
}

// Override sets a route-specific rate, replacing the default for that
// route. Call before serving; existing buckets for the route are not
// re-shaped.
func (s *Store) Override(route string, r rate.Limit, burst int) {
	s.mu.Lock()
	s.routes[route] = limit{rate: r, burst: burst}
	s.mu.Unlock()
}

// Allow 判断 caller 在该 route 上是否放行。
func (s *Store) Allow(route, caller string) bool {
	key := route + "|" + caller

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		lim, hit := s.routes[route]
		if !hit {
			lim = s.def
		}
		b = &bucket{limiter: rate.NewLimiter(lim.rate, lim.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()

	return b.limiter.Allow()
}

func (s *Store) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store) sweep() {
	cut := time.Now().Add(-s.ttl)

	s.mu.Lock()
	for k, b := range s.buckets {
		if b.lastSeen.Before(cut) {
			delete(s.buckets, k)
		}
	}
	s.mu.Unlock()
}
