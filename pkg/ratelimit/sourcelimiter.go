package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SourceLimiterConfig configures the per-source sliding window.
type SourceLimiterConfig struct {
	// RequestsPerHour is the default per-source budget (1000 requests/hour).
	RequestsPerHour int
	// Burst allows short bursts above the steady-state rate.
	Burst int
	// IdleEvictAfter removes a source's bucket once it has been quiet this
	// long, bounding memory for a fleet of transient source addresses.
	IdleEvictAfter time.Duration
}

// DefaultSourceLimiterConfig returns the documented default
// (1000 requests/hour per source address).
func DefaultSourceLimiterConfig() SourceLimiterConfig {
	return SourceLimiterConfig{
		RequestsPerHour: 1000,
		Burst:           20,
		IdleEvictAfter:  3 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceLimiter enforces a sliding-window budget per source IP address,
// backed by golang.org/x/time/rate token buckets, one per source, with a
// background goroutine evicting idle entries.
type SourceLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      SourceLimiterConfig
	stop     chan struct{}
}

// NewSourceLimiter starts the limiter and its background cleanup loop.
func NewSourceLimiter(cfg SourceLimiterConfig) *SourceLimiter {
	l := &SourceLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *SourceLimiter) Stop() { close(l.stop) }

func (l *SourceLimiter) getVisitor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[source]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerHour) / 3600.0)
		v = &visitor{limiter: rate.NewLimiter(perSecond, l.cfg.Burst)}
		l.visitors[source] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow reports whether a request from source is within budget.
func (l *SourceLimiter) Allow(source string) bool {
	return l.getVisitor(source).Allow()
}

func (l *SourceLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for source, v := range l.visitors {
				if time.Since(v.lastSeen) > l.cfg.IdleEvictAfter {
					delete(l.visitors, source)
				}
			}
			l.mu.Unlock()
		}
	}
}

// SourceAddr extracts the client source address from an *http.Request,
// trimming the port and tolerating a missing port (as happens with some
// test transports and IPv6 literals).
func SourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
