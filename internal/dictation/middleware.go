package dictation

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eleven-am/dictation-backend/internal/shared"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const clientKeyHeader = "X-Client-ID"

// ClientKey identifies the caller: the client_id query parameter, then the
// X-Client-ID header, then the remote address.
func ClientKey(c echo.Context) string {
	if key := c.QueryParam("client_id"); key != "" {
		return key
	}
	if key := c.Request().Header.Get(clientKeyHeader); key != "" {
		return key
	}
	return c.RealIP()
}

type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 1,
		Burst:             5,
		CleanupInterval:   5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet sweeps idle clients while handling lookups, so it owns no
// goroutine.
type limiterSet struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	config    RateLimiterConfig
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterSet(cfg RateLimiterConfig) *limiterSet {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	return &limiterSet{
		clients:   make(map[string]*clientLimiter),
		config:    cfg,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// reserve takes a token for key and reports how long the caller must wait when
// none is available.
func (s *limiterSet) reserve(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.config.CleanupInterval {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) >= s.config.CleanupInterval {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)}
		s.clients[key] = cl
	}
	cl.lastSeen = now

	r := cl.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RateLimiter limits how often one client IP may open recordings, whatever
// client key it presents. Rejections carry Retry-After in whole seconds.
func RateLimiter(cfg RateLimiterConfig) echo.MiddlewareFunc {
	set := newLimiterSet(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, wait := set.reserve(c.RealIP())
			if !ok {
				if wait > 0 {
					c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
				return shared.NewAPIError("rate_limit_exceeded", "too many recordings started").ToHTTP(http.StatusTooManyRequests)
			}
			return next(c)
		}
	}
}
