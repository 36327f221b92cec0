package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"golang.org/x/time/rate"
)

const (
	reasonRateLimited = "rate_limited"

	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per key.
type limiterSet struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiterSet(rps, burst int) *limiterSet {
	return &limiterSet{
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (s *limiterSet) allow(key string) bool {
	now := s.now()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than idle and returns how many remain.
func (s *limiterSet) sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	return len(s.buckets)
}

// limitKey buckets paid requests by payment channel and everything else by
// client IP. Consumers sharing an egress address keep separate budgets, and
// one channel cannot spread its load over many addresses. A header that does
// not parse falls back to the IP; the paywall rejects it anyway.
func limitKey(c *gin.Context) (key, kind string) {
	if h := c.GetHeader(voucher.HeaderVoucher); h != "" {
		if v, err := voucher.Parse(h); err == nil {
			return "channel:" + v.ChannelID.Hex(), "channel"
		}
	}
	return "ip:" + c.ClientIP(), "ip"
}

// RateLimiter returns a Gin middleware enforcing a token bucket of rps
// requests per second with the given burst, per payment channel or per
// client IP. Idle buckets are swept until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	set := newLimiterSet(rps, burst)

	go func() {
		t := time.NewTicker(limiterSweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				set.sweep(limiterIdleAfter)
			}
		}
	}()

	return func(c *gin.Context) {
		key, kind := limitKey(c)
		if set.allow(key) {
			c.Next()
			return
		}
		paygateRateLimited.WithLabelValues(kind).Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, client.ErrorResponse{
			Error:  "rate limit exceeded",
			Reason: reasonRateLimited,
		})
	}
}
