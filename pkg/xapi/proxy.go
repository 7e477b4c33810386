package xapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ParseProxy turns a stored proxy value into a URL. Accepted forms:
//   - "host:port" or a full URL (scheme defaults to http)
//   - a JSON string holding either of the above
//   - {"http": "...", "https": "..."} (https wins when both are set)
//   - {"host": "...", "port": ..., "scheme": "...", "username": "...", "password": "..."}
//
// A blank value returns nil, nil.
func ParseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, `"`) {
		var decoded interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("proxy json: %w", err)
		}
		switch v := decoded.(type) {
		case string:
			return parseProxyURL(v)
		case map[string]interface{}:
			return proxyFromObject(v)
		default:
			return nil, fmt.Errorf("unsupported proxy value %T", decoded)
		}
	}
	return parseProxyURL(raw)
}

func proxyFromObject(obj map[string]interface{}) (*url.URL, error) {
	if https := stringField(obj, "https"); https != "" {
		return parseProxyURL(https)
	}
	if http := stringField(obj, "http"); http != "" {
		return parseProxyURL(http)
	}

	host := stringField(obj, "host")
	port := stringField(obj, "port")
	if host == "" || port == "" {
		return nil, fmt.Errorf("proxy object needs host and port")
	}
	scheme := stringField(obj, "scheme")
	if i := strings.Index(scheme, "://"); i >= 0 {
		scheme = scheme[:i]
	}
	if scheme == "" {
		scheme = "http"
	}

	u := &url.URL{Scheme: scheme, Host: host + ":" + port}
	user := firstField(obj, "username", "user")
	pass := firstField(obj, "password", "pass")
	if user != "" && pass != "" {
		u.User = url.UserPassword(user, pass)
	}
	return u, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", raw)
	}
	return u, nil
}

func stringField(obj map[string]interface{}, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func firstField(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := stringField(obj, k); v != "" {
			return v
		}
	}
	return ""
}
