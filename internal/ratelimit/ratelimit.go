package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"
)

// Limiter is a token bucket refilled continuously at rate tokens per second.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	l.lastUpdate = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// IPLimiters hands out one Limiter per client IP and forgets idle ones.
type IPLimiters struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

// NewIPLimiters allows perMinute requests per IP with an equal burst.
func NewIPLimiters(perMinute int) *IPLimiters {
	il := &IPLimiters{
		limiters: make(map[string]*Limiter),
		rate:     float64(perMinute) / 60,
		burst:    perMinute,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go il.cleanup(5 * time.Minute)
	return il
}

func (il *IPLimiters) Get(ip string) *Limiter {
	il.mu.Lock()
	defer il.mu.Unlock()

	limiter, ok := il.limiters[ip]
	if !ok {
		limiter = newLimiter(il.rate, il.burst, il.now)
		il.limiters[ip] = limiter
	}
	return limiter
}

func (il *IPLimiters) Len() int {
	il.mu.Lock()
	defer il.mu.Unlock()
	return len(il.limiters)
}

func (il *IPLimiters) Stop() {
	il.stopOnce.Do(func() { close(il.stop) })
}

// Middleware rejects requests over the per-IP budget with 429.
func (il *IPLimiters) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !il.Get(ip).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (il *IPLimiters) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-il.stop:
			return
		case <-ticker.C:
			il.sweep()
		}
	}
}

func (il *IPLimiters) sweep() {
	cutoff := il.now().Add(-il.idleTTL)

	il.mu.Lock()
	defer il.mu.Unlock()
	for ip, l := range il.limiters {
		if l.idleSince().Before(cutoff) {
			delete(il.limiters, ip)
		}
	}
}
