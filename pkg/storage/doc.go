// Package storage is the SQLite persistence layer for the account pool, run
// history, resume checkpoints and the manifest cache.
//
// The schema is managed with golang-migrate from migrations embedded in the
// binary. Every handle uses a single connection, WAL journaling, a 5s busy
// timeout and BEGIN IMMEDIATE transactions, so concurrent lease acquisition
// from several processes never hands the same account out twice. Writes that
// still hit SQLITE_BUSY are retried with backoff.
//
// Usage:
//
//	store, err := storage.Open(ctx, cfg.Storage.DBPath, log)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	accounts := store.Accounts(storage.DefaultAccountsSettings())
//	leases, err := accounts.AcquireLeases(ctx, 5, runID, "xw")
package storage
