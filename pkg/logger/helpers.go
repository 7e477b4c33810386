package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// LogRequest logs an upstream API call at a level chosen by status
func LogRequest(l Logger, method, url string, statusCode int, durationMs float64) {
	fields := map[string]interface{}{
		"method":      method,
		"url":         url,
		"status_code": statusCode,
		"duration_ms": durationMs,
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		OrDefault(l).DebugWithFields("API request completed", fields)
	case statusCode >= 400 && statusCode < 500:
		OrDefault(l).WarnWithFields("API request client error", fields)
	default:
		OrDefault(l).ErrorWithFields("API request failed", fields)
	}
}

// LogLease logs a lease lifecycle event (acquired, released, lost)
func LogLease(l Logger, action, leaseID, username, workerID string) {
	OrDefault(l).WithFields(map[string]interface{}{
		"action":    action,
		"lease_id":  leaseID,
		"username":  username,
		"worker_id": workerID,
	}).Debug("Account lease " + action)
}

// LogCooldown logs an account being parked until availableTil
func LogCooldown(l Logger, username string, statusCode int, reason string, availableTil float64) {
	if reason == "" {
		return
	}
	OrDefault(l).WithFields(map[string]interface{}{
		"username":      username,
		"status_code":   statusCode,
		"reason":        reason,
		"available_til": availableTil,
	}).Info("Account cooling down")
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	log := OrDefault(l).WithField("component", component)
	if len(config) > 0 {
		log = log.WithFields(config)
	}
	log.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component string, reason string) {
	OrDefault(l).WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// LogMetrics logs run counters in one line
func LogMetrics(l Logger, operation string, metrics map[string]interface{}) {
	fields := map[string]interface{}{
		"operation": operation,
		"type":      "metrics",
	}
	for k, v := range metrics {
		fields[k] = v
	}
	OrDefault(l).InfoWithFields("Run metrics", fields)
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}

func (n *nopLogger) GetZerolog() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}
