package rate_limit

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/muchq/sparsehash/go/mucks"
)

type KeyExtractor interface {
	Apply(r *http.Request) string
}

type RemoteIpKeyExtractor struct {
}

// Apply implements the KeyExtractor interface.
// RemoteIpKeyExtractor tries to read the request's remote-ip
// from the X-Forwarded-For header. If that header is not present,
// we fall back to the RemoteAddr of the request.
// Note that X-Forwarded-For should be populated by the LB and
// RemoteAddr is only a good fallback in local testing.
func (RemoteIpKeyExtractor) Apply(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}

// ConstKeyExtractor maps every request onto the same bucket, giving the
// whole endpoint a single shared budget instead of one budget per caller.
type ConstKeyExtractor struct {
}

func (ConstKeyExtractor) Apply(*http.Request) string {
	return "*"
}

// RateLimiterMiddleware implements mucks.Middleware
type RateLimiterMiddleware struct {
	Factory   RateLimiterFactory
	Limiters  map[string]RateLimiterInterface
	Extractor KeyExtractor
	Config    RateLimiterConfig
	Mutex     sync.Mutex
}

func NewRateLimiterMiddleware(factory RateLimiterFactory, extractor KeyExtractor, config RateLimiterConfig) mucks.Middleware {
	return &RateLimiterMiddleware{
		Factory:   factory,
		Limiters:  make(map[string]RateLimiterInterface),
		Extractor: extractor,
		Config:    config,
	}
}

func (m *RateLimiterMiddleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := m.Extractor.Apply(r)

		limiter, err := m.ensureLimiter(key)
		if err != nil {
			slog.Error("failing open due to error creating rate limiter", "error", err)
			next(w, r)
			return
		}

		if limiter.Allow(m.Config.GetOpCost()) {
			next(w, r)
		} else {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		}
	}
}

func (m *RateLimiterMiddleware) ensureLimiter(key string) (RateLimiterInterface, error) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	limiter, ok := m.Limiters[key]
	if !ok {
		var err error
		limiter, err = m.Factory.NewRateLimiter(m.Config)
		if err != nil {
			return nil, err
		}
		m.Limiters[key] = limiter
	}
	return limiter, nil
}
