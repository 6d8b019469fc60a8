package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxClients          int     = 10000
	defaultGlobalRPS           int     = 50
	defaultClientRPS           int     = 5
	thresholdMultiplier        float64 = 0.8
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
	retryAfterSeconds                  = "1"
)

type (
	// RateLimiter decides whether a request from client may proceed.
	RateLimiter interface {
		Allow(client string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with golang.org/x/time/rate
	// token buckets: one global bucket and one per client.
	//
	// Client buckets idle longer than IdleTimeout are removed periodically.
	// Once MaxClients buckets exist, unseen clients share a single overflow
	// bucket instead of growing the map further.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		overflow  *rate.Limiter
		perClient map[string]*clientLimiter
		mu        sync.RWMutex

		clientRPS       int
		clientBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxClients      int
		warned          bool

		cleanupStop chan struct{}
		cleanupDone chan struct{}
		closeOnce   sync.Once
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a rate limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	clientBurst := computeBurstCapacity(config.ClientRPS, config.ClientBurst)

	rl := &InMemoryRateLimiter{
		global: rate.NewLimiter(
			rate.Limit(config.GlobalRPS), computeBurstCapacity(config.GlobalRPS, config.GlobalBurst),
		),
		overflow:        rate.NewLimiter(rate.Limit(config.ClientRPS), clientBurst),
		perClient:       make(map[string]*clientLimiter),
		clientRPS:       config.ClientRPS,
		clientBurst:     clientBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxClients:      config.MaxClients,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	if rl.cleanupInterval <= 0 {
		rl.cleanupInterval = rateLimiterCleanupInterval
	}

	if rl.idleTimeout <= 0 {
		rl.idleTimeout = rateLimiterIdleTimeout
	}

	if rl.maxClients <= 0 {
		rl.maxClients = defaultMaxClients
	}

	go rl.runCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when set, else 2 × rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks the global bucket first, then the client's own bucket.
func (rl *InMemoryRateLimiter) Allow(client string) bool {
	if !rl.global.Allow() {
		return false
	}

	cl := rl.limiterFor(client)
	if cl == nil {
		return rl.overflow.Allow()
	}

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// limiterFor returns the client's bucket, creating it when there is room.
// nil means the client should use the overflow bucket.
func (rl *InMemoryRateLimiter) limiterFor(client string) *clientLimiter {
	rl.mu.RLock()
	cl, ok := rl.perClient[client]
	rl.mu.RUnlock()

	if ok {
		return cl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, ok = rl.perClient[client]; ok {
		return cl
	}

	count := len(rl.perClient)
	if count >= rl.maxClients {
		return nil
	}

	if !rl.warned && count >= int(float64(rl.maxClients)*thresholdMultiplier) {
		rl.warned = true

		slog.Warn("Rate limiter approaching max clients",
			slog.Int("current_clients", count),
			slog.Int("max_clients", rl.maxClients),
		)
	}

	cl = &clientLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
		lastAccess: time.Now(),
	}
	rl.perClient[client] = cl

	return cl
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		close(rl.cleanupStop)
		<-rl.cleanupDone
	})

	return nil
}

func (rl *InMemoryRateLimiter) runCleanup() {
	defer close(rl.cleanupDone)

	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.cleanupStop:
			return
		}
	}
}

// cleanup removes client buckets idle longer than idleTimeout as of now.
func (rl *InMemoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for client, cl := range rl.perClient {
		cl.mu.Lock()
		idle := now.Sub(cl.lastAccess)
		cl.mu.Unlock()

		if idle > rl.idleTimeout {
			delete(rl.perClient, client)
		}
	}

	if len(rl.perClient) < int(float64(rl.maxClients)*thresholdMultiplier) {
		rl.warned = false
	}
}

func (rl *InMemoryRateLimiter) clientCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return len(rl.perClient)
}

// ClientKeyFunc extracts the rate limiting key from a request.
type ClientKeyFunc func(r *http.Request) string

// RemoteIP keys clients by the host part of RemoteAddr.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// ForwardedIP keys clients by the first X-Forwarded-For address, falling back
// to RemoteIP. Only use behind a proxy that sets the header.
func ForwardedIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	return RemoteIP(r)
}

// RateLimit returns a middleware that answers 429 with an RFC 7807 body when
// the limiter rejects the request. Clients are keyed by RemoteIP.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return RateLimitBy(limiter, RemoteIP, logger)
}

// RateLimitBy is RateLimit with a custom client key.
func RateLimitBy(limiter RateLimiter, key ClientKeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow(key(r)) {
				next.ServeHTTP(w, r)

				return
			}

			w.Header().Set("Retry-After", retryAfterSeconds)

			detail := "Rate limit exceeded. Please retry after some time."
			if err := writeProblem(w, r, http.StatusTooManyRequests, detail); err != nil {
				logger.Error("Failed to write rate limit response",
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
