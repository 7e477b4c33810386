// Package ratelimit paces requests made with a single account.
//
// TokenBucket combines two rules: a bucket holding requests_per_minute tokens
// that refills continuously at requests_per_minute/60 tokens per second, and a
// minimum delay between any two grants. A grant happens at the later of the
// two. The bucket starts full.
//
// Usage:
//
//	limiter := ratelimit.NewTokenBucket(30, 2*time.Second)
//	if err := limiter.Acquire(ctx); err != nil {
//	    return err // ctx cancelled, the reserved token is returned
//	}
//	// issue the request
//
// Tests pass WithClock with a fake clock so no real time passes.
package ratelimit
