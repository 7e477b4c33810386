// Package retry provides backoff strategies and a small retry loop.
//
// Two callers use it: the storage layer wraps SQLite writes in Do with a
// RetryIf that only matches "database is locked", and the task runner asks a
// TaskBackoff how long a failed task should sit before it is re-enqueued.
//
// Basic usage:
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		return repo.Save(ctx, row)
//	}, &retry.Config{
//		MaxAttempts: 5,
//		Backoff:     &retry.ConstantBackoff{Delay: 50 * time.Millisecond},
//		RetryIf:     isBusy,
//	})
//
// TaskBackoff is deterministic: min(Max, Base * 2^min(attempt, MaxExponent)).
package retry
