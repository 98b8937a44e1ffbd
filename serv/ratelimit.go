package serv

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter tracks one token bucket per client address. Idle entries are
// dropped after cleanupAge.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const cleanupAge = 3 * time.Minute

func newIPLimiter(r float64, burst int) *ipLimiter {
	l := &ipLimiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(r),
		burst:   burst,
	}
	go l.cleanup()
	return l
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

func (l *ipLimiter) cleanup() {
	for range time.Tick(time.Minute) {
		l.sweep()
	}
}

func (l *ipLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if time.Since(c.lastSeen) > cleanupAge {
			delete(l.clients, ip)
		}
	}
}

var (
	limiterOnce sync.Once
	limiter     *ipLimiter
)

// rateLimiter enforces the configured per-IP request rate.
func rateLimiter(s1 *HttpService, h http.Handler) http.Handler {
	s := s1.service()
	limiterOnce.Do(func() {
		limiter = newIPLimiter(s.conf.RateLimiter.Rate, s.conf.RateLimiter.Bucket)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.conf.RateLimiter.IPHeader)
		if !limiter.allow(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request, header string) string {
	if header != "" {
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
