package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"xscraper/pkg/models"
)

// Record is one account as read from a provisioning source, before it is
// stored in the pool.
type Record struct {
	Username      string            `json:"username" yaml:"username"`
	Password      string            `json:"password,omitempty" yaml:"password,omitempty"`
	Email         string            `json:"email,omitempty" yaml:"email,omitempty"`
	EmailPassword string            `json:"email_password,omitempty" yaml:"email_password,omitempty"`
	TwoFA         string            `json:"two_fa,omitempty" yaml:"two_fa,omitempty"`
	AuthToken     string            `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	CSRF          string            `json:"csrf,omitempty" yaml:"csrf,omitempty"`
	Bearer        string            `json:"bearer,omitempty" yaml:"bearer,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty" yaml:"cookies,omitempty"`
	Proxy         string            `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Status        *int              `json:"status,omitempty" yaml:"status,omitempty"`
}

// HasCredentials reports whether a login flow could run for the record.
func (r *Record) HasCredentials() bool {
	return r.Password != "" && (r.Username != "" || r.Email != "")
}

// Normalize fills auth_token/ct0 from cookies (and back), strips a
// "Bearer " prefix, derives a username when none is given and maps the
// record onto a pool account.
func (r *Record) Normalize() (models.Account, error) {
	cookies := make(map[string]string, len(r.Cookies)+2)
	for k, v := range r.Cookies {
		if k = strings.TrimSpace(k); k != "" && strings.TrimSpace(v) != "" {
			cookies[k] = strings.TrimSpace(v)
		}
	}

	token := firstNonEmpty(r.AuthToken, cookies["auth_token"])
	csrf := firstNonEmpty(r.CSRF, cookies["ct0"])
	if token != "" {
		if _, ok := cookies["auth_token"]; !ok {
			cookies["auth_token"] = token
		}
	}
	if csrf != "" {
		if _, ok := cookies["ct0"]; !ok {
			cookies["ct0"] = csrf
		}
	}

	bearer := strings.TrimSpace(r.Bearer)
	if strings.HasPrefix(strings.ToLower(bearer), "bearer ") {
		bearer = strings.TrimSpace(bearer[len("bearer "):])
	}

	username := deriveUsername(r.Username, r.Email, token, cookies)
	if username == "" {
		return models.Account{}, ErrInvalidRecord
	}

	account := models.Account{
		Username: username,
		Status:   models.Ptr(models.StatusUsable),
	}
	if r.Status != nil {
		account.Status = models.Ptr(*r.Status)
	}
	if token != "" {
		account.AuthToken = models.Ptr(token)
	}
	if csrf != "" {
		account.CSRF = models.Ptr(csrf)
	}
	if bearer != "" {
		account.Bearer = models.Ptr(bearer)
	}
	if len(cookies) > 0 {
		blob, err := json.Marshal(cookies)
		if err != nil {
			return models.Account{}, fmt.Errorf("encode cookies: %w", err)
		}
		account.CookiesJSON = models.Ptr(string(blob))
	}
	if proxy := strings.TrimSpace(r.Proxy); proxy != "" {
		// Structured proxies are already JSON; URLs are stored as JSON strings.
		if !strings.HasPrefix(proxy, "{") {
			blob, _ := json.Marshal(proxy)
			proxy = string(blob)
		}
		account.ProxyJSON = models.Ptr(proxy)
	}
	return account, nil
}

// recordFromMap reads a loosely keyed record, accepting the common aliases
// for each field.
func recordFromMap(data map[string]interface{}) *Record {
	r := &Record{
		Username:      asString(first(data, "username", "user", "handle", "screen_name", "account", "login")),
		Password:      asString(first(data, "password", "pass")),
		Email:         asString(first(data, "email", "email_address", "mail")),
		EmailPassword: asString(first(data, "email_password", "email_pass", "mail_password", "mail_pass")),
		TwoFA:         asString(first(data, "2fa", "two_fa", "twofa", "otp_secret", "otp")),
		AuthToken:     asString(first(data, "auth_token", "authToken", "token")),
		CSRF:          asString(first(data, "csrf", "csrf_token", "ct0")),
		Bearer:        asString(first(data, "bearer", "bearer_token", "authorization")),
		Cookies:       cookiesFrom(first(data, "cookies_json", "cookies", "cookie_jar", "cookieJar")),
		Proxy:         proxyFrom(first(data, "proxy_json", "proxy")),
	}
	if status := first(data, "status"); status != nil {
		if n, err := strconv.Atoi(asString(status)); err == nil {
			r.Status = &n
		}
	}
	return r
}

// cookiesFrom accepts a name->value map, a list of {name, value} objects or
// a JSON string holding either.
func cookiesFrom(v interface{}) map[string]string {
	switch c := v.(type) {
	case nil:
		return nil
	case string:
		if parsed := models.ParseCookies(c); len(parsed) > 0 {
			return parsed
		}
		return parseCookieHeader(c)
	case map[string]interface{}:
		out := make(map[string]string, len(c))
		for k, val := range c {
			if s := asString(val); s != "" {
				out[k] = s
			}
		}
		return out
	case map[string]string:
		return c
	case []interface{}:
		out := make(map[string]string, len(c))
		for _, item := range c {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if name := asString(entry["name"]); name != "" {
				out[name] = asString(entry["value"])
			}
		}
		return out
	}
	return nil
}

// parseCookieHeader splits "a=1; b=2".
func parseCookieHeader(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(name) != "" {
			out[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	return out
}

func proxyFrom(v interface{}) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(p)
	default:
		blob, err := json.Marshal(p)
		if err != nil {
			return ""
		}
		return string(blob)
	}
}

func deriveUsername(username, email, token string, cookies map[string]string) string {
	if u := strings.TrimSpace(username); u != "" {
		return u
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(email), "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	if token != "" {
		return "auth_" + shortDigest(token)
	}
	if len(cookies) > 0 {
		blob, _ := json.Marshal(cookies)
		return "cookie_" + shortDigest(string(blob))
	}
	return ""
}

func shortDigest(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// TokenFingerprint identifies a token in logs without revealing it.
func TokenFingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return "-"
	}
	sum := sha1.Sum([]byte(token))
	return hex.EncodeToString(sum[:])[:10]
}

func first(data map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil && asString(v) != "" {
			return v
		}
	}
	return nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case map[string]interface{}, []interface{}:
		return "{}"
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}
