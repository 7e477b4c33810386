package auth

import (
	"fmt"
	"os"
	"strings"

	"xscraper/pkg/models"
)

// DefaultBearerToken is the public web client bearer. XSCRAPER_BEARER_TOKEN
// overrides it.
var DefaultBearerToken = envOr(
	"XSCRAPER_BEARER_TOKEN",
	"AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA",
)

// Reasons reported when an account cannot be turned into a session.
const (
	ReasonMissingAuthToken = "missing_auth_token"
	ReasonMissingCSRF      = "missing_csrf"
	ReasonMissingBearer    = "missing_bearer"
)

// Material is the resolved credential set for one account.
type Material struct {
	AuthToken string
	CSRFToken string
	Bearer    string
	Cookies   map[string]string
}

// MaterialError explains why an account has no usable material.
type MaterialError struct {
	Reason string
}

func (e *MaterialError) Error() string {
	return fmt.Sprintf("unusable auth material: %s", e.Reason)
}

// PrepareAuthMaterial resolves the auth token, csrf token and bearer for an
// account. Columns win over cookies; the bearer falls back to defaultBearer.
func PrepareAuthMaterial(account models.Account, defaultBearer string) (*Material, error) {
	cookies := account.Cookies()

	token := firstNonEmpty(models.Str(account.AuthToken), cookies["auth_token"])
	csrf := firstNonEmpty(models.Str(account.CSRF), cookies["ct0"])
	bearer := firstNonEmpty(models.Str(account.Bearer), defaultBearer)
	if lower := strings.ToLower(bearer); lower == "bearer" || strings.HasPrefix(lower, "bearer ") {
		bearer = strings.TrimSpace(bearer[len("bearer"):])
	}

	switch {
	case token == "":
		return nil, &MaterialError{Reason: ReasonMissingAuthToken}
	case csrf == "":
		return nil, &MaterialError{Reason: ReasonMissingCSRF}
	case bearer == "":
		return nil, &MaterialError{Reason: ReasonMissingBearer}
	}

	normalized := make(map[string]string, len(cookies)+2)
	for k, v := range cookies {
		if strings.TrimSpace(v) != "" {
			normalized[k] = strings.TrimSpace(v)
		}
	}
	normalized["auth_token"] = token
	normalized["ct0"] = csrf

	return &Material{
		AuthToken: token,
		CSRFToken: csrf,
		Bearer:    bearer,
		Cookies:   normalized,
	}, nil
}

// MaterialReason returns the MaterialError reason of err, or
// "missing_auth_material" for anything else.
func MaterialReason(err error) string {
	if me, ok := err.(*MaterialError); ok && me.Reason != "" {
		return me.Reason
	}
	return "missing_auth_material"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
