package xapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"xscraper/pkg/auth"
	"xscraper/pkg/logger"
)

// DefaultHomeURL is loaded to exchange an auth token for session cookies.
const DefaultHomeURL = "https://x.com/home"

// TokenBootstrap loads the home page with only the auth_token cookie set and
// returns the cookies the site hands back, ct0 included.
type TokenBootstrap struct {
	HomeURL   string
	UserAgent string
	Timeout   time.Duration
	logger    logger.Logger
}

// NewTokenBootstrap creates a bootstrapper with the web defaults.
func NewTokenBootstrap(log logger.Logger) *TokenBootstrap {
	return &TokenBootstrap{
		HomeURL:   DefaultHomeURL,
		UserAgent: DefaultUserAgent,
		Timeout:   30 * time.Second,
		logger:    logger.OrDefault(log).WithField("component", "token_bootstrap"),
	}
}

// BootstrapToken implements auth.TokenBootstrapper.
func (b *TokenBootstrap) BootstrapToken(ctx context.Context, authToken, proxy string) (map[string]string, error) {
	if authToken == "" {
		return nil, fmt.Errorf("bootstrap: missing auth_token")
	}
	home, err := url.Parse(b.HomeURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: invalid home url: %w", err)
	}
	proxyURL, err := ParseProxy(proxy)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: invalid proxy: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	root := &url.URL{Scheme: home.Scheme, Host: home.Host, Path: "/"}
	jar.SetCookies(root, []*http.Cookie{{Name: "auth_token", Value: authToken, Path: "/"}})

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Jar: jar, Transport: transport, Timeout: b.Timeout}
	defer client.CloseIdleConnections()

	fp := auth.TokenFingerprint(authToken)
	b.logger.InfoWithFields("Auth bootstrap start", map[string]interface{}{"token_fp": fp})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, home.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", b.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap request: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bootstrap: response status %d", resp.StatusCode)
	}

	cookies := map[string]string{}
	for _, c := range jar.Cookies(root) {
		cookies[c.Name] = c.Value
	}
	if _, ok := cookies["auth_token"]; !ok {
		cookies["auth_token"] = authToken
	}

	b.logger.InfoWithFields("Auth bootstrap success", map[string]interface{}{
		"token_fp":     fp,
		"cookie_count": len(cookies),
		"has_ct0":      cookies["ct0"] != "",
	})
	return cookies, nil
}
