// Package manifest resolves the upstream GraphQL query ids, endpoint
// templates and feature flags.
//
// A Provider consults, in order: a fresh cache row, the remote manifest URL,
// a stale cache row, an optional local file and finally the manifest bundled
// into the binary. Remote fetches are cached in SQLite together with their
// ETag so later refreshes can be conditional.
package manifest
