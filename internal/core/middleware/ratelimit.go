package middleware

import (
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

type limiterPool struct {
	mu    sync.Mutex
	m     *lru.Cache[string, *rate.Limiter]
	rps   float64
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m.Add(key, l)
	return l
}

// RateLimit applies a per-client token bucket of rps requests per second
// with the given burst. Rejected requests get 429.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	m, _ := lru.New[string, *rate.Limiter](4096)
	pool := &limiterPool{m: m, rps: rps, burst: burst}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.get(clientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
