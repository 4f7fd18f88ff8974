package moderation

import (
	"context"
	"math"
	"time"

	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
)

type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a persisted token bucket per actor. Buckets start full and
// refill at refillRate tokens per hour.
type RateLimiter struct {
	fed        *util.Federation
	buckets    BucketStore
	maxTokens  float64
	refillRate float64
	now        func() time.Time
}

func NewRateLimiter(fed *util.Federation, buckets BucketStore, maxTokens, refillRate float64) *RateLimiter {
	return &RateLimiter{
		fed:        fed,
		buckets:    buckets,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// CheckAndConsume takes one token from actorID's bucket. A denied call
// still stores the refilled bucket.
func (l *RateLimiter) CheckAndConsume(ctx context.Context, actorID string) (RateLimitResult, error) {
	if err := l.fed.Check(); err != nil {
		return RateLimitResult{}, err
	}
	now := l.now()
	b, err := l.load(ctx, actorID, now)
	if err != nil {
		return RateLimitResult{}, err
	}
	l.refill(b, now)

	if b.Tokens < 1 {
		if err := l.buckets.SaveBucket(ctx, b); err != nil {
			return RateLimitResult{}, err
		}
		rateLimitDecisions.WithLabelValues("denied").Inc()
		return RateLimitResult{Allowed: false, RetryAfter: l.retryAfter(b, now)}, nil
	}

	b.Tokens--
	if err := l.buckets.SaveBucket(ctx, b); err != nil {
		return RateLimitResult{}, err
	}
	rateLimitDecisions.WithLabelValues("allowed").Inc()
	return RateLimitResult{Allowed: true, Remaining: int(math.Floor(b.Tokens))}, nil
}

// Check reports what CheckAndConsume would decide without changing the bucket.
func (l *RateLimiter) Check(ctx context.Context, actorID string) (RateLimitResult, error) {
	if err := l.fed.Check(); err != nil {
		return RateLimitResult{}, err
	}
	now := l.now()
	b, err := l.load(ctx, actorID, now)
	if err != nil {
		return RateLimitResult{}, err
	}
	l.refill(b, now)
	if b.Tokens < 1 {
		return RateLimitResult{Allowed: false, RetryAfter: l.retryAfter(b, now)}, nil
	}
	return RateLimitResult{Allowed: true, Remaining: int(math.Floor(b.Tokens))}, nil
}

// Reset refills actorID's bucket to capacity.
func (l *RateLimiter) Reset(ctx context.Context, actorID string) error {
	if err := l.fed.Check(); err != nil {
		return err
	}
	return l.buckets.SaveBucket(ctx, &domain.RateLimitBucket{
		ActorID:    actorID,
		Tokens:     l.maxTokens,
		MaxTokens:  l.maxTokens,
		LastRefill: l.now(),
		RefillRate: l.refillRate,
	})
}

// Allow adapts CheckAndConsume to the inbox limiter.
func (l *RateLimiter) Allow(ctx context.Context, actorID string) (bool, time.Duration, error) {
	res, err := l.CheckAndConsume(ctx, actorID)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}

func (l *RateLimiter) load(ctx context.Context, actorID string, now time.Time) (*domain.RateLimitBucket, error) {
	b, err := l.buckets.GetBucket(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = &domain.RateLimitBucket{
			ActorID:    actorID,
			Tokens:     l.maxTokens,
			MaxTokens:  l.maxTokens,
			LastRefill: now,
			RefillRate: l.refillRate,
		}
	}
	return b, nil
}

// refill only applies once at least one whole token has accrued.
func (l *RateLimiter) refill(b *domain.RateLimitBucket, now time.Time) {
	elapsed := now.Sub(b.LastRefill).Hours()
	if elapsed <= 0 || b.RefillRate <= 0 {
		return
	}
	added := elapsed * b.RefillRate
	if added < 1 {
		return
	}
	b.Tokens = math.Min(b.MaxTokens, b.Tokens+added)
	b.LastRefill = now
}

// retryAfter is the time until refill adds its first whole token.
func (l *RateLimiter) retryAfter(b *domain.RateLimitBucket, now time.Time) time.Duration {
	if b.RefillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	next := b.LastRefill.Add(time.Duration(float64(time.Hour) / b.RefillRate))
	wait := next.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
