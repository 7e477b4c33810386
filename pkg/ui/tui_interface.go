package ui

import "xscraper/pkg/runner"

// Dashboard is what a search run reports to: the runner callbacks plus
// free-form log lines and the final status.
type Dashboard interface {
	runner.Observer
	Done(status string, items int)
	LogInfo(format string, args ...interface{})
	LogSuccess(format string, args ...interface{})
	LogWarning(format string, args ...interface{})
	LogError(format string, args ...interface{})
}
