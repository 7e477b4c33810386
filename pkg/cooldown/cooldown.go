// Package cooldown decides how long an account rests after a request ends
// with a given status.
package cooldown

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	errs "xscraper/pkg/errors"
)

// Reasons recorded on the account row.
const (
	ReasonAuthFailed = "auth_failed"
	ReasonRateLimit  = "rate_limit"
	ReasonTransient  = "transient"
)

// RateLimitResetHeader carries the unix time at which the upstream quota resets.
const RateLimitResetHeader = "x-rate-limit-reset"

// Outcome is what gets written back to the account on release.
type Outcome struct {
	Status       int
	AvailableTil float64
	Reason       string
}

// Settings are the cooldown durations.
type Settings struct {
	Default   time.Duration
	Transient time.Duration
	Auth      time.Duration
	Jitter    time.Duration
}

// DefaultSettings returns 120s default and transient, 30 days auth and 10s jitter.
func DefaultSettings() Settings {
	return Settings{
		Default:   120 * time.Second,
		Transient: 120 * time.Second,
		Auth:      30 * 24 * time.Hour,
		Jitter:    10 * time.Second,
	}
}

// Policy computes cooldowns. It is safe for concurrent use.
type Policy struct {
	settings Settings
	now      func() time.Time
	jitter   func(max float64) float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithoutJitter makes Compute deterministic.
func WithoutJitter() Option {
	return func(p *Policy) { p.jitter = func(float64) float64 { return 0 } }
}

// WithJitterSource replaces the uniform [0, max] source.
func WithJitterSource(fn func(max float64) float64) Option {
	return func(p *Policy) { p.jitter = fn }
}

// NewPolicy builds a Policy from settings.
func NewPolicy(settings Settings, opts ...Option) *Policy {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	p := &Policy{
		settings: settings,
		now:      time.Now,
		jitter: func(max float64) float64 {
			if max <= 0 {
				return 0
			}
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64() * max
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Compute maps a status code and response headers to an account outcome.
func (p *Policy) Compute(statusCode int, headers map[string]string) Outcome {
	now := float64(p.now().UnixNano()) / 1e9

	switch {
	case statusCode == 401 || statusCode == 403 || statusCode == 404:
		return Outcome{
			Status:       statusCode,
			AvailableTil: now + p.settings.Auth.Seconds(),
			Reason:       ReasonAuthFailed,
		}
	case statusCode == 429:
		if reset, ok := ParseRateLimitReset(headers); ok && reset > now {
			return Outcome{Status: 1, AvailableTil: reset, Reason: ReasonRateLimit}
		}
		return Outcome{
			Status:       1,
			AvailableTil: now + p.settings.Default.Seconds() + p.jitter(p.settings.Jitter.Seconds()),
			Reason:       ReasonRateLimit,
		}
	case errs.IsTransientStatus(statusCode):
		return Outcome{
			Status:       1,
			AvailableTil: now + p.settings.Transient.Seconds() + p.jitter(p.settings.Jitter.Seconds()),
			Reason:       ReasonTransient,
		}
	default:
		return Outcome{Status: 1}
	}
}

// ParseRateLimitReset reads x-rate-limit-reset regardless of header case.
func ParseRateLimitReset(headers map[string]string) (float64, bool) {
	for k, v := range headers {
		if !strings.EqualFold(k, RateLimitResetHeader) {
			continue
		}
		reset, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return reset, true
	}
	return 0, false
}
