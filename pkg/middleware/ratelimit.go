package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxClients bounds the number of tracked client buckets.
const maxClients = 10000

// WriteLimiter keeps one token bucket per client address. Idle clients
// fall out of the LRU and start with a full bucket when they return.
type WriteLimiter struct {
	limit rate.Limit
	burst int
	mu    sync.Mutex
	byKey *lru.Cache[string, *rate.Limiter]
}

// NewWriteLimiter allows perSecond requests per client with the given
// burst. It returns nil when perSecond is not positive.
func NewWriteLimiter(perSecond float64, burst int) *WriteLimiter {
	if perSecond <= 0 {
		return nil
	}
	cache, _ := lru.New[string, *rate.Limiter](maxClients)
	return &WriteLimiter{limit: rate.Limit(perSecond), burst: burst, byKey: cache}
}

func (l *WriteLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.byKey.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byKey.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimit rejects POST requests from clients over their budget with 429.
// Reads are never limited. A nil limiter disables it.
func RateLimit(l *WriteLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || l.Allow(clientKey(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(1/float64(l.limit)))))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
