package auth

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source yields account records to provision into the pool.
type Source interface {
	List() ([]*Record, error)
}

// Errors
var (
	ErrInvalidRecord      = errors.New("account record has no usable identity")
	ErrRecordNotFound     = errors.New("account record not found")
	ErrSourceUnavailable  = errors.New("account source unavailable")
	ErrUnsupportedFormat  = errors.New("unsupported accounts file format")
	ErrPassphraseRequired = errors.New("vault passphrase required")
)

// FileSource reads records from a JSON, YAML or colon-separated text file.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// List parses the file. The format follows the extension; unknown
// extensions are sniffed.
func (f *FileSource) List() ([]*Record, error) {
	content, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".json":
		return ParseJSON(content)
	case ".yaml", ".yml":
		return ParseYAML(content)
	case ".txt", "":
		return ParseText(content)
	}

	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ParseJSON(content)
	}
	return ParseText(content)
}

// ParseText reads one account per line:
//
//	username:password:email:email_password:2fa:auth_token
//
// Missing trailing fields are empty, extra colons belong to the token, a
// tab separates an optional proxy and lines starting with # are skipped.
func ParseText(content []byte) ([]*Record, error) {
	var records []*Record
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var proxy string
		if base, suffix, ok := strings.Cut(line, "\t"); ok {
			line, proxy = strings.TrimSpace(base), strings.TrimSpace(suffix)
		}

		parts := strings.Split(line, ":")
		if len(parts) > 6 {
			parts = append(parts[:5], strings.Join(parts[5:], ":"))
		}
		for len(parts) < 6 {
			parts = append(parts, "")
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		r := &Record{
			Username:      parts[0],
			Password:      parts[1],
			Email:         parts[2],
			EmailPassword: parts[3],
			TwoFA:         parts[4],
			AuthToken:     parts[5],
			Proxy:         proxy,
		}
		if r.Username == "" && r.Email == "" && r.AuthToken == "" {
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan accounts file: %w", err)
	}
	return records, nil
}

// ParseJSON accepts a list of records, {"accounts": [...]}, a single record,
// a bare cookie map, or a map of username to record or cookies.
func ParseJSON(content []byte) ([]*Record, error) {
	var payload interface{}
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse accounts json: %w", err)
	}
	return recordsFromPayload(payload)
}

// ParseYAML accepts the same shapes as ParseJSON.
func ParseYAML(content []byte) ([]*Record, error) {
	var payload interface{}
	if err := yaml.Unmarshal(content, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse accounts yaml: %w", err)
	}
	return recordsFromPayload(payload)
}

var identityKeys = []string{"username", "user", "handle", "auth_token", "authToken", "token", "cookies", "cookies_json"}

func recordsFromPayload(payload interface{}) ([]*Record, error) {
	var raw []interface{}
	switch p := payload.(type) {
	case []interface{}:
		raw = p
	case map[string]interface{}:
		switch {
		case isList(p["accounts"]):
			raw = p["accounts"].([]interface{})
		case looksLikeCookieMap(p):
			raw = []interface{}{map[string]interface{}{"cookies": p}}
		case hasAnyKey(p, identityKeys...):
			raw = []interface{}{p}
		default:
			names := make([]string, 0, len(p))
			for name := range p {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				entry, ok := p[name].(map[string]interface{})
				switch {
				case ok && looksLikeCookieMap(entry):
					raw = append(raw, map[string]interface{}{"username": name, "cookies": entry})
				case ok:
					item := make(map[string]interface{}, len(entry)+1)
					for k, v := range entry {
						item[k] = v
					}
					if _, has := item["username"]; !has {
						item["username"] = name
					}
					raw = append(raw, item)
				default:
					raw = append(raw, map[string]interface{}{"username": name, "cookies": p[name]})
				}
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, ErrUnsupportedFormat
	}

	var records []*Record
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			entry = map[string]interface{}{"cookies": item}
		}
		records = append(records, recordFromMap(normalizeKeys(entry)))
	}
	return records, nil
}

// looksLikeCookieMap matches {"auth_token": "...", "ct0": "..."} style maps.
func looksLikeCookieMap(m map[string]interface{}) bool {
	if !hasAnyKey(m, "auth_token", "ct0") {
		return false
	}
	for _, v := range m {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return !hasAnyKey(m, "username", "user", "handle", "password", "email")
}

func hasAnyKey(m map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func isList(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

// normalizeKeys converts yaml's map[interface{}]interface{} nodes.
func normalizeKeys(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		if nested, ok := v.(map[interface{}]interface{}); ok {
			conv := make(map[string]interface{}, len(nested))
			for nk, nv := range nested {
				conv[fmt.Sprint(nk)] = nv
			}
			m[k] = conv
		}
	}
	return m
}

// EnvSource reads a single account from XSCRAPER_* environment variables.
type EnvSource struct{}

// NewEnvSource creates an environment-backed source.
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

// List returns the environment account, or nothing when no token is set.
func (e *EnvSource) List() ([]*Record, error) {
	token := strings.TrimSpace(os.Getenv("XSCRAPER_AUTH_TOKEN"))
	if token == "" {
		return []*Record{}, nil
	}
	return []*Record{{
		Username:  strings.TrimSpace(os.Getenv("XSCRAPER_USERNAME")),
		AuthToken: token,
		CSRF:      strings.TrimSpace(os.Getenv("XSCRAPER_CSRF_TOKEN")),
		Proxy:     strings.TrimSpace(os.Getenv("XSCRAPER_PROXY")),
	}}, nil
}

// StaticSource serves records held in memory.
type StaticSource []*Record

// List returns the records.
func (s StaticSource) List() ([]*Record, error) {
	return s, nil
}

// MultiSource merges sources. Later sources override earlier ones for the
// same username; failing sources are skipped.
type MultiSource []Source

// List merges every source.
func (m MultiSource) List() ([]*Record, error) {
	var (
		order   []string
		byName  = map[string]*Record{}
		lastErr error
		ok      bool
	)
	for _, src := range m {
		records, err := src.List()
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		for _, r := range records {
			key := strings.ToLower(strings.TrimSpace(r.Username))
			if key == "" {
				key = "token:" + r.AuthToken
			}
			if _, seen := byName[key]; !seen {
				order = append(order, key)
			}
			byName[key] = r
		}
	}
	if !ok && lastErr != nil {
		return nil, lastErr
	}

	out := make([]*Record, 0, len(order))
	for _, key := range order {
		out = append(out, byName[key])
	}
	return out, nil
}

// Find returns the record for username from src.
func Find(src Source, username string) (*Record, error) {
	records, err := src.List()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if strings.EqualFold(strings.TrimSpace(r.Username), strings.TrimSpace(username)) {
			return r, nil
		}
	}
	return nil, ErrRecordNotFound
}

// MaskSecret masks all but the first 4 and last 4 characters of a secret.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
