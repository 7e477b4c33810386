// Package logger provides the structured logging interface used across xscraper.
//
// It wraps zerolog with a small interface so components can take a Logger and
// tests can pass NewNopLogger or NewTestLogger instead.
//
// Basic usage:
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.GetLogger().WithField("component", "runner")
//	log.InfoWithFields("Leases acquired", map[string]interface{}{
//	    "requested": 5,
//	    "granted":   3,
//	})
//
// Console output is colorized and written to stderr. Set Format to "json" for
// machine-readable lines, and File to also append to a log file.
package logger
