package policy

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketCounter enforces per-caller request rates with one token bucket
// per identity. Buckets are created lazily and never expire; the identity
// space is bounded by the deployment's principal count.
type TokenBucketCounter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

// NewTokenBucketCounter creates a counter allowing r requests per second with
// the given burst per identity.
func NewTokenBucketCounter(r rate.Limit, burst int) *TokenBucketCounter {
	return &TokenBucketCounter{
		buckets: make(map[string]*rate.Limiter),
		rate:    r,
		burst:   burst,
	}
}

// CheckAndIncrement consumes one token from the identity's bucket.
func (c *TokenBucketCounter) CheckAndIncrement(identity, key string) bool {
	c.mu.Lock()
	limiter, ok := c.buckets[identity]
	if !ok {
		limiter = rate.NewLimiter(c.rate, c.burst)
		c.buckets[identity] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}
