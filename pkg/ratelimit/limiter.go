package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the interface for rate limiting
type Limiter interface {
	// Allow takes a unit of capacity if one is available right now
	Allow() bool
	// Acquire blocks until a unit of capacity is granted or ctx is done
	Acquire(ctx context.Context) error
	// Reset refills the bucket and forgets the last grant
	Reset()
}

// Clock lets tests drive time by hand.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrReservation is returned when the bucket can never satisfy a request.
var ErrReservation = errors.New("ratelimit: request exceeds bucket capacity")

// TokenBucket paces one account: a bucket of requestsPerMinute tokens refilled
// continuously, plus a hard minimum spacing between consecutive grants.
type TokenBucket struct {
	capacity  int
	minDelay  time.Duration
	clock     Clock
	limiter   *rate.Limiter
	lastGrant time.Time
	mu        sync.Mutex
}

// Option configures a TokenBucket
type Option func(*TokenBucket)

// WithClock swaps the wall clock, mostly for tests
func WithClock(c Clock) Option {
	return func(tb *TokenBucket) { tb.clock = c }
}

// NewTokenBucket creates a limiter allowing requestsPerMinute with at least
// minDelay between grants. The bucket starts full.
func NewTokenBucket(requestsPerMinute int, minDelay time.Duration, opts ...Option) *TokenBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	if minDelay < 0 {
		minDelay = 0
	}
	tb := &TokenBucket{
		capacity: requestsPerMinute,
		minDelay: minDelay,
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(tb)
	}
	tb.limiter = tb.newLimiter()
	return tb
}

func (tb *TokenBucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(tb.capacity)/60.0), tb.capacity)
}

// Acquire blocks until a token is available and min delay has elapsed. The
// grant slot is reserved under the lock and the wait happens outside it;
// concurrent callers take consecutive slots.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tb.mu.Lock()
	now := tb.clock.Now()
	r := tb.limiter.ReserveN(now, 1)
	if !r.OK() {
		tb.mu.Unlock()
		return ErrReservation
	}

	at := now.Add(r.DelayFrom(now))
	if !tb.lastGrant.IsZero() {
		if earliest := tb.lastGrant.Add(tb.minDelay); earliest.After(at) {
			at = earliest
		}
	}
	previous := tb.lastGrant
	tb.lastGrant = at
	tb.mu.Unlock()

	wait := at.Sub(now)
	if wait <= 0 {
		return nil
	}
	if err := tb.clock.Sleep(ctx, wait); err != nil {
		tb.mu.Lock()
		r.CancelAt(tb.clock.Now())
		// a later reservation is already spaced from this slot
		if tb.lastGrant.Equal(at) {
			tb.lastGrant = previous
		}
		tb.mu.Unlock()
		return err
	}
	return nil
}

// Allow checks if a request can proceed without waiting
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	if !tb.lastGrant.IsZero() && now.Before(tb.lastGrant.Add(tb.minDelay)) {
		return false
	}
	if !tb.limiter.AllowN(now, 1) {
		return false
	}
	tb.lastGrant = now
	return true
}

// Reset resets the token bucket to full capacity
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.limiter = tb.newLimiter()
	tb.lastGrant = time.Time{}
}

// Tokens reports the tokens available now; negative while reservations are outstanding.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limiter.TokensAt(tb.clock.Now())
}
