// Package ratelimit implements token-bucket admission control for ingress.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits one unit per token. Tokens refill at Rate per second
// up to Burst. It is safe for concurrent use.
type TokenBucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a full bucket. A zero rate never refills.
func New(perSecond float64, burst int) *TokenBucket {
	return NewWithClock(perSecond, burst, time.Now)
}

// NewWithClock is New with an injectable clock. time.Now readings carry
// a monotonic component, so wall-clock steps do not affect refill.
func NewWithClock(perSecond float64, burst int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		now:     now,
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// Tokens reports the tokens available now.
func (b *TokenBucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}
