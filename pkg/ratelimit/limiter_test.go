package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	failSleep bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSleep {
		c.failSleep = false
		return context.Canceled
	}
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func acquireTimes(t *testing.T, tb *TokenBucket, clock *fakeClock, n int) []time.Time {
	t.Helper()
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		if err := tb.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		times = append(times, clock.Now())
	}
	return times
}

func TestTokenBucketMinDelaySpacing(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	tb := NewTokenBucket(600, 2*time.Second, WithClock(clock))

	times := acquireTimes(t, tb, clock, 5)

	if !times[0].Equal(start) {
		t.Errorf("first grant should be immediate, got %v", times[0].Sub(start))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 2*time.Second {
			t.Errorf("grants %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestTokenBucketRefillRate(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	tb := NewTokenBucket(60, 0, WithClock(clock))

	times := acquireTimes(t, tb, clock, 70)

	for i := 0; i < 60; i++ {
		if !times[i].Equal(start) {
			t.Fatalf("grant %d should come from the initial bucket, waited %v", i, times[i].Sub(start))
		}
	}
	for i := 60; i < 70; i++ {
		want := start.Add(time.Duration(i-59) * time.Second)
		if d := times[i].Sub(want); d < -time.Millisecond || d > time.Millisecond {
			t.Errorf("grant %d at %v, want %v", i, times[i].Sub(start), want.Sub(start))
		}
	}
}

func TestTokenBucketCancelReturnsToken(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	tb := NewTokenBucket(1, 0, WithClock(clock))

	if err := tb.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	clock.mu.Lock()
	clock.failSleep = true
	clock.mu.Unlock()
	if err := tb.Acquire(context.Background()); err == nil {
		t.Fatal("expected interrupted Acquire to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tb.Acquire(ctx); err == nil {
		t.Fatal("expected cancelled Acquire to fail")
	}

	if err := tb.Acquire(context.Background()); err != nil {
		t.Fatalf("third Acquire: %v", err)
	}
	if got := clock.Now().Sub(start); got > 61*time.Second {
		t.Errorf("cancelled wait leaked a token: next grant after %v", got)
	}
}

// gateClock parks every Sleep until its context ends.
type gateClock struct {
	*fakeClock
	sleeping chan time.Duration
}

func (c *gateClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeping <- d
	<-ctx.Done()
	return ctx.Err()
}

func TestTokenBucketWaitLeavesBucketUsable(t *testing.T) {
	clock := &gateClock{fakeClock: newFakeClock(), sleeping: make(chan time.Duration, 1)}
	tb := NewTokenBucket(600, time.Second, WithClock(clock))

	if err := tb.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.Acquire(ctx) }()

	select {
	case d := <-clock.sleeping:
		if d != time.Second {
			t.Errorf("waiter sleeps %v, want 1s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never waited")
	}

	allowed := make(chan bool, 1)
	go func() { allowed <- tb.Allow() }()
	select {
	case ok := <-allowed:
		if ok {
			t.Error("Allow inside the reserved slot should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Allow blocked behind a sleeping Acquire")
	}

	cancel()
	if err := <-done; err == nil {
		t.Fatal("expected cancelled Acquire to fail")
	}

	// The cancelled waiter gave its slot back.
	clock.Advance(time.Second)
	if !tb.Allow() {
		t.Error("Allow one min delay after the first grant should succeed")
	}
}

func TestTokenBucketAllow(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(2, time.Second, WithClock(clock))

	if !tb.Allow() {
		t.Fatal("first Allow should succeed")
	}
	if tb.Allow() {
		t.Error("Allow inside min delay should fail")
	}
	clock.Advance(time.Second)
	if !tb.Allow() {
		t.Error("Allow after min delay should use the second token")
	}
	clock.Advance(time.Second)
	if tb.Allow() {
		t.Error("bucket should be empty")
	}

	tb.Reset()
	if !tb.Allow() {
		t.Error("Allow after Reset should succeed")
	}
}

func TestTokenBucketRealClock(t *testing.T) {
	tb := NewTokenBucket(6000, 20*time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("three grants with 20ms spacing took only %v", elapsed)
	}
}

var _ Limiter = (*TokenBucket)(nil)
