package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Sentinel status codes used when no real HTTP status exists.
const (
	StatusDecodeFailure  = 598
	StatusNetworkFailure = 599
)

// Error represents an API error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsAuthStatus reports whether a status code means the account credentials were rejected.
func IsAuthStatus(statusCode int) bool {
	return statusCode == 401 || statusCode == 403
}

// IsTransientStatus reports whether a status code is worth retrying on the same terms.
func IsTransientStatus(statusCode int) bool {
	switch statusCode {
	case 429, StatusDecodeFailure, StatusNetworkFailure:
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

// ClassifyStatus maps a status code onto an ErrorType.
func ClassifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 404:
		return ErrorTypeNotFound
	case statusCode == StatusDecodeFailure:
		return ErrorTypeParsing
	case statusCode == StatusNetworkFailure || statusCode == 0:
		return ErrorTypeNetwork
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ManifestError reports a manifest that could not be loaded or validated.
type ManifestError struct {
	Message string
	Err     error
}

func (e *ManifestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifest: %s: %v", e.Message, e.Err)
	}
	return "manifest: " + e.Message
}

func (e *ManifestError) Unwrap() error { return e.Err }

// AccountPoolExhaustedError is returned when no account could be leased.
type AccountPoolExhaustedError struct {
	Requested int
	Message   string
}

func (e *AccountPoolExhaustedError) Error() string {
	if e.Message != "" {
		return "account pool exhausted: " + e.Message
	}
	return fmt.Sprintf("account pool exhausted: no eligible accounts (requested %d)", e.Requested)
}

// EngineError reports a runner misconfiguration.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string { return "engine: " + e.Message }

// ResumeError reports a checkpoint that could not be read.
type ResumeError struct {
	Message string
	Err     error
}

func (e *ResumeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resume: %s: %v", e.Message, e.Err)
	}
	return "resume: " + e.Message
}

func (e *ResumeError) Unwrap() error { return e.Err }

// SessionCategory groups session build failures by how the account should be treated.
type SessionCategory string

const (
	SessionCategoryAuth      SessionCategory = "auth"
	SessionCategoryRuntime   SessionCategory = "runtime"
	SessionCategoryTransient SessionCategory = "transient"
)

// SessionBuildError is raised when a per-account HTTP session cannot be created.
// StatusCode is what gets written to the account on release.
type SessionBuildError struct {
	Category   SessionCategory
	Code       string
	Reason     string
	StatusCode int
}

func (e *SessionBuildError) Error() string {
	return fmt.Sprintf("session build failed (%s/%s, status %d): %s", e.Category, e.Code, e.StatusCode, e.Reason)
}

// NewSessionAuthError builds an auth session failure (status 401).
func NewSessionAuthError(code, reason string) *SessionBuildError {
	return &SessionBuildError{Category: SessionCategoryAuth, Code: code, Reason: reason, StatusCode: 401}
}

// NewSessionRuntimeError builds a runtime session failure (status 500).
func NewSessionRuntimeError(code, reason string) *SessionBuildError {
	return &SessionBuildError{Category: SessionCategoryRuntime, Code: code, Reason: reason, StatusCode: 500}
}

// NewSessionTransientError builds a transient session failure (status 599).
func NewSessionTransientError(code, reason string) *SessionBuildError {
	return &SessionBuildError{Category: SessionCategoryTransient, Code: code, Reason: reason, StatusCode: StatusNetworkFailure}
}

// RunFailureKind classifies a run that produced nothing.
type RunFailureKind string

const (
	RunFailureGeneric RunFailureKind = "run"
	RunFailureNetwork RunFailureKind = "network"
	RunFailureProxy   RunFailureKind = "proxy"
)

// RunFailedError is returned in strict mode when a run yields no items.
type RunFailedError struct {
	Kind    RunFailureKind
	Summary string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("%s failure: %s", e.Kind, e.Summary)
}

// ClassifyRunFailure picks a RunFailureKind from the failure summary text.
func ClassifyRunFailure(summary string) RunFailureKind {
	lower := strings.ToLower(summary)
	switch {
	case strings.Contains(lower, "proxy") || strings.Contains(lower, "407"):
		return RunFailureProxy
	case strings.Contains(lower, "status=599") || strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return RunFailureNetwork
	default:
		return RunFailureGeneric
	}
}
