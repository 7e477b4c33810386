// Package runner executes a search across a pool of leased accounts.
//
// A Runner plans the date range into tasks, leases up to Concurrency
// accounts and starts one worker per lease. Each worker:
//   - builds an HTTP session for its account
//   - leases tasks from the shared queue and paces requests with its own
//     token bucket
//   - follows pagination cursors by enqueueing continuation tasks
//   - steps aside on the first non-200 page, retrying the task elsewhere
//     when the retry budget allows
//
// When a worker exits its lease is released with a cooldown computed from
// the last status it saw. Heartbeats keep long-running leases alive.
//
// Usage:
//
//	r := runner.New(runner.Dependencies{
//	    Searcher: client,
//	    Sessions: sessions,
//	    Pool:     store.Accounts(storage.DefaultAccountsSettings()),
//	    Runs:     store.Runs(),
//	}, runner.OptionsFromConfig(cfg))
//
//	result, err := r.Search(ctx, models.SearchRequest{
//	    Since:    "2024-01-01",
//	    Until:    "2024-01-31",
//	    AllWords: []string{"golang"},
//	})
//
// Items are deduplicated by id across the whole run. When a limit is set the
// run stops once it has been reached; a page in flight may push the count
// slightly past it.
package runner
