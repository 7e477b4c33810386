package xapi

import (
	"context"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"xscraper/pkg/auth"
	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// SessionConfig holds the settings shared by every account session.
type SessionConfig struct {
	DefaultBearer string
	UserAgent     string
	Language      string
	Referer       string
	Timeout       time.Duration
	// Proxy applies to accounts without their own proxy.
	Proxy string
}

// DefaultSessionConfig returns the web client defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultBearer: auth.DefaultBearerToken,
		UserAgent:     DefaultUserAgent,
		Language:      "en",
		Referer:       "https://x.com/",
		Timeout:       30 * time.Second,
	}
}

// Session is one account's authenticated HTTP client.
type Session struct {
	client  *http.Client
	jar     http.CookieJar
	headers http.Header
	cookies map[string]string

	mu     sync.Mutex
	seeded map[string]bool

	Username  string
	AccountID int64
}

// SessionMeta describes a built session for logs.
type SessionMeta struct {
	AccountID   int64
	Username    string
	CookieCount int
	Proxied     bool
}

// Do sends req with the session headers and cookies.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	for k, values := range s.headers {
		for _, v := range values {
			req.Header.Set(k, v)
		}
	}
	s.seedCookies(req.URL)
	return s.client.Do(req)
}

// seedCookies installs the account cookies for a host the first time it is
// contacted.
func (s *Session) seedCookies(u *url.URL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded[u.Host] {
		return
	}
	s.seeded[u.Host] = true

	target := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	cookies := make([]*http.Cookie, 0, len(s.cookies))
	for name, value := range s.cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	s.jar.SetCookies(target, cookies)
}

// Header returns a session header value.
func (s *Session) Header(key string) string {
	return s.headers.Get(key)
}

// SessionBuilder creates per-account sessions.
type SessionBuilder struct {
	cfg    SessionConfig
	logger logger.Logger
}

// NewSessionBuilder creates a builder. Empty config fields take the defaults.
func NewSessionBuilder(cfg SessionConfig, log logger.Logger) *SessionBuilder {
	def := DefaultSessionConfig()
	if cfg.DefaultBearer == "" {
		cfg.DefaultBearer = def.DefaultBearer
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.Referer == "" {
		cfg.Referer = def.Referer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &SessionBuilder{cfg: cfg, logger: logger.OrDefault(log).WithField("component", "session")}
}

// Build resolves the account's auth material and returns a ready session.
// Failures are *errors.SessionBuildError.
func (b *SessionBuilder) Build(ctx context.Context, account models.Account) (*Session, SessionMeta, error) {
	material, err := auth.PrepareAuthMaterial(account, b.cfg.DefaultBearer)
	if err != nil {
		return nil, SessionMeta{}, xerrors.NewSessionAuthError("missing_auth_material", auth.MaterialReason(err))
	}

	proxyRaw := models.Str(account.ProxyJSON)
	if proxyRaw == "" {
		proxyRaw = b.cfg.Proxy
	}
	proxyURL, err := ParseProxy(proxyRaw)
	if err != nil {
		return nil, SessionMeta{}, xerrors.NewSessionRuntimeError("session_init_failed", "invalid_proxy: "+err.Error())
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, SessionMeta{}, xerrors.NewSessionTransientError("session_factory_error", err.Error())
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+material.Bearer)
	headers.Set("X-Csrf-Token", material.CSRFToken)
	headers.Set("X-Twitter-Auth-Type", "OAuth2Session")
	headers.Set("X-Twitter-Active-User", "yes")
	headers.Set("X-Twitter-Client-Language", b.cfg.Language)
	headers.Set("Referer", b.cfg.Referer)
	headers.Set("User-Agent", b.cfg.UserAgent)
	headers.Set("Accept", "*/*")

	session := &Session{
		client:    &http.Client{Transport: transport, Jar: jar, Timeout: b.cfg.Timeout},
		jar:       jar,
		headers:   headers,
		cookies:   material.Cookies,
		seeded:    map[string]bool{},
		Username:  account.Username,
		AccountID: account.ID,
	}
	meta := SessionMeta{
		AccountID:   account.ID,
		Username:    account.Username,
		CookieCount: len(material.Cookies),
		Proxied:     proxyURL != nil,
	}

	b.logger.DebugWithFields("session built", map[string]interface{}{
		"username":     account.Username,
		"cookie_count": meta.CookieCount,
		"proxied":      meta.Proxied,
	})
	return session, meta, nil
}

// Close releases the session's idle connections.
func (b *SessionBuilder) Close(s *Session) error {
	if s == nil || s.client == nil {
		return nil
	}
	s.client.CloseIdleConnections()
	return nil
}
