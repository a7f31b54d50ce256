package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peerIdleTimeout is how long an idle peer keeps its token bucket.
const peerIdleTimeout = 3 * time.Minute

// RateLimiter gives every caller its own token bucket. Callers are keyed by
// ClientIP unless a KeyFunc is set.
type RateLimiter struct {
	mu    sync.Mutex
	peers map[string]*peerBucket
	limit rate.Limit
	burst int
	key   func(*http.Request) string
	now   func() time.Time
}

type peerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per caller with bursts of
// up to burst. Idle buckets are evicted until ctx is cancelled.
func NewRateLimiter(ctx context.Context, rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		peers: make(map[string]*peerBucket),
		limit: rate.Limit(rps),
		burst: max(1, burst),
		key:   ClientIP,
		now:   time.Now,
	}
	go rl.evictIdle(ctx)
	return rl
}

// WithKeyFunc changes how callers are told apart. It returns rl.
func (rl *RateLimiter) WithKeyFunc(fn func(*http.Request) string) *RateLimiter {
	rl.key = fn
	return rl
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.peers[key]
	if !ok {
		b = &peerBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.peers[key] = b
	}
	b.lastSeen = rl.now()
	return b.limiter
}

func (rl *RateLimiter) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := rl.now().Add(-peerIdleTimeout)
		rl.mu.Lock()
		for k, b := range rl.peers {
			if b.lastSeen.Before(cutoff) {
				delete(rl.peers, k)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow reports whether key may proceed now and, if not, how long until a
// token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	lim := rl.bucket(key)
	now := rl.now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// ClientIP returns the remote IP of r without port or IPv6 brackets.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware answers 429 with a Retry-After in whole seconds once a caller
// has spent its burst.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Allow(rl.key(r)); !ok {
			WriteTooManyRequests(w, int(math.Ceil(wait.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}
