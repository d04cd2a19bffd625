package relayd

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limitGroup applies a per-IP token bucket to one endpoint family and
// advertises the limit through response headers.
type limitGroup struct {
	name   string
	limit  int           // requests per window, also the burst
	window time.Duration // advisory Retry-After on breach

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimitGroup(name string, limit int, window time.Duration) *limitGroup {
	g := &limitGroup{
		name:     name,
		limit:    limit,
		window:   window,
		limiters: make(map[string]*ipLimiter),
	}
	go g.evictLoop()
	return g
}

func (g *limitGroup) evictLoop() {
	for range time.Tick(5 * time.Minute) {
		g.mu.Lock()
		for ip, l := range g.limiters {
			if time.Since(l.lastSeen) > 2*g.window {
				delete(g.limiters, ip)
			}
		}
		g.mu.Unlock()
	}
}

func (g *limitGroup) limiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Every(g.window/time.Duration(g.limit)), g.limit)}
		g.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.lim
}

// remaining approximates the tokens left in the bucket.
func (g *limitGroup) remaining(ip string) int {
	tokens := int(g.limiter(ip).Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

// wrap enforces the group's limit around a handler.
func (g *limitGroup) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		lim := g.limiter(ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.limit))
		if !lim.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(g.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED",
				fmt.Sprintf("%s rate limit exceeded", g.name))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(g.remaining(ip)))
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
