package storage

import (
	"context"
	"fmt"
	"strings"

	"xscraper/pkg/models"
)

// Blocked reasons reported by EligibilityDiagnostics.
const (
	BlockedStatus           = "status"
	BlockedCooldown         = "cooldown"
	BlockedLeased           = "leased"
	BlockedDailyLimit       = "daily_limit"
	BlockedMissingAuthToken = "missing_auth_token"
	BlockedMissingCSRF      = "missing_csrf"
	BlockedMissingCookies   = "missing_cookies"
	BlockedMissingBearer    = "missing_bearer"
)

// BlockedSample describes one ineligible account.
type BlockedSample struct {
	ID            int64    `json:"id"`
	Username      string   `json:"username"`
	Status        *int     `json:"status"`
	AvailableTil  *float64 `json:"available_til"`
	DailyRequests int      `json:"daily_requests"`
	DailyItems    int      `json:"daily_items"`
	HasToken      bool     `json:"has_token"`
	HasCSRF       bool     `json:"has_csrf"`
	HasCookies    bool     `json:"has_cookies"`
	Reasons       []string `json:"reasons"`
}

// Diagnostics explains why the pool could not hand out more leases.
type Diagnostics struct {
	Total          int             `json:"total"`
	Eligible       int             `json:"eligible"`
	BlockedCounts  map[string]int  `json:"blocked_counts"`
	BlockedSamples []BlockedSample `json:"blocked_samples"`
}

// EligibilityDiagnostics evaluates every account against the lease
// predicate and tallies the reasons each one is blocked. At most sampleLimit
// blocked accounts are described in detail.
func (r *AccountsRepo) EligibilityDiagnostics(ctx context.Context, sampleLimit int) (*Diagnostics, error) {
	if sampleLimit <= 0 {
		sampleLimit = 5
	}
	accounts, err := r.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("eligibility diagnostics: %w", err)
	}

	now := r.now()
	diag := &Diagnostics{
		Total:         len(accounts),
		BlockedCounts: map[string]int{},
	}
	for _, acct := range accounts {
		reasons := r.blockedReasons(acct, unixSeconds(now), utcDay(now))
		if len(reasons) == 0 {
			diag.Eligible++
			continue
		}
		for _, reason := range reasons {
			diag.BlockedCounts[reason]++
		}
		if len(diag.BlockedSamples) < sampleLimit {
			diag.BlockedSamples = append(diag.BlockedSamples, BlockedSample{
				ID:            acct.ID,
				Username:      acct.Username,
				Status:        acct.Status,
				AvailableTil:  acct.AvailableTil,
				DailyRequests: acct.DailyRequests,
				DailyItems:    acct.DailyItems,
				HasToken:      trimmed(acct.AuthToken) != "",
				HasCSRF:       trimmed(acct.CSRF) != "",
				HasCookies:    trimmed(acct.CookiesJSON) != "",
				Reasons:       reasons,
			})
		}
	}
	return diag, nil
}

// blockedReasons mirrors the SQL eligibility predicate clause by clause.
func (r *AccountsRepo) blockedReasons(acct models.Account, now float64, today string) []string {
	var reasons []string

	if acct.Status != nil && !isReusable(*acct.Status) {
		reasons = append(reasons, BlockedStatus)
	}
	if acct.AvailableTil != nil && *acct.AvailableTil > now {
		reasons = append(reasons, BlockedCooldown)
	}
	if acct.LeaseID != nil && acct.LeaseExpiresAt != nil && *acct.LeaseExpiresAt > now {
		reasons = append(reasons, BlockedLeased)
	}
	if models.Str(acct.LastResetDate) == today &&
		(acct.DailyRequests >= r.settings.DailyPagesLimit || acct.DailyItems >= r.settings.DailyItemsLimit) {
		reasons = append(reasons, BlockedDailyLimit)
	}

	if r.settings.RequireAuthMaterial {
		if trimmed(acct.AuthToken) == "" {
			reasons = append(reasons, BlockedMissingAuthToken)
		}
		if trimmed(acct.CSRF) == "" {
			reasons = append(reasons, BlockedMissingCSRF)
		}
		if trimmed(acct.CookiesJSON) == "" {
			reasons = append(reasons, BlockedMissingCookies)
		}
		if strings.TrimSpace(r.settings.DefaultBearer) == "" && trimmed(acct.Bearer) == "" {
			reasons = append(reasons, BlockedMissingBearer)
		}
	}
	return reasons
}

func isReusable(status int) bool {
	for _, s := range reusableStatuses {
		if s == status {
			return true
		}
	}
	return false
}
