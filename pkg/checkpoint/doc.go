// Package checkpoint decides where a resumed search starts.
//
// Every search is identified by a query hash: the sha256 of the request's
// canonical JSON with run controls removed, bound to the manifest
// fingerprint. Checkpoints themselves live in the resume_state table (see
// storage.ResumeRepo); this package reads them back and, for output files
// written by older versions, falls back to the newest timestamp found in the
// CSV.
//
// Resume modes:
//   - legacy_csv: only the CSV timestamp moves since forward
//   - db_cursor: only the stored checkpoint (since and cursor)
//   - hybrid_safe: the stored checkpoint when present, else the CSV
package checkpoint
