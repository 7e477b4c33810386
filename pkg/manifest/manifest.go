package manifest

import (
	"bytes"
	"crypto/sha1"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "xscraper/pkg/errors"
)

// Operation keys
const (
	OpSearchTimeline = "search_timeline"
	OpUserLookup     = "user_lookup_screen_name"
)

//go:embed default_manifest.json
var defaultManifestJSON []byte

// Manifest carries the upstream query ids, endpoint templates and feature
// flags. Endpoint templates contain a {query_id} placeholder.
type Manifest struct {
	Version               string                            `json:"version"`
	Fingerprint           string                            `json:"fingerprint,omitempty"`
	QueryIDs              map[string]string                 `json:"query_ids"`
	Endpoints             map[string]string                 `json:"endpoints"`
	OperationFeatures     map[string]map[string]interface{} `json:"operation_features,omitempty"`
	OperationFieldToggles map[string]map[string]interface{} `json:"operation_field_toggles,omitempty"`
	Features              map[string]interface{}            `json:"features,omitempty"`
	TimeoutSeconds        int                               `json:"timeout_s,omitempty"`
}

// Default returns the bundled manifest.
func Default() *Manifest {
	m, err := Parse(defaultManifestJSON)
	if err != nil {
		panic(fmt.Sprintf("bundled manifest is invalid: %v", err))
	}
	return m
}

// Parse decodes, validates and normalizes a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &xerrors.ManifestError{Message: "invalid manifest json", Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the search operation is resolvable.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.QueryIDs[OpSearchTimeline]) == "" {
		return &xerrors.ManifestError{Message: "manifest requires query_ids.search_timeline"}
	}
	if strings.TrimSpace(m.Endpoints[OpSearchTimeline]) == "" {
		return &xerrors.ManifestError{Message: "manifest requires endpoints.search_timeline"}
	}
	return nil
}

// Normalize fills defaults and computes the fingerprint when it is missing.
func (m *Manifest) Normalize() error {
	if m.Version == "" {
		m.Version = "v4-default-1"
	}
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = 20
	}
	if m.Fingerprint != "" {
		return nil
	}
	fp, err := m.computeFingerprint()
	if err != nil {
		return &xerrors.ManifestError{Message: "fingerprint", Err: err}
	}
	m.Fingerprint = fp
	return nil
}

// computeFingerprint hashes the content fields as compact JSON with sorted keys.
func (m *Manifest) computeFingerprint() (string, error) {
	payload := map[string]interface{}{
		"version":                 m.Version,
		"query_ids":               orEmpty(m.QueryIDs),
		"endpoints":               orEmpty(m.Endpoints),
		"operation_features":      orEmptyNested(m.OperationFeatures),
		"operation_field_toggles": orEmptyNested(m.OperationFieldToggles),
		"features":                orEmptyAny(m.Features),
	}
	data, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// FeaturesFor merges the global features with the per-operation overrides.
func (m *Manifest) FeaturesFor(op string) map[string]interface{} {
	out := make(map[string]interface{}, len(m.Features))
	for k, v := range m.Features {
		out[k] = v
	}
	for k, v := range m.OperationFeatures[strings.TrimSpace(op)] {
		out[k] = v
	}
	return out
}

// FieldTogglesFor returns a copy of the operation's field toggles, or nil.
func (m *Manifest) FieldTogglesFor(op string) map[string]interface{} {
	toggles := m.OperationFieldToggles[strings.TrimSpace(op)]
	if len(toggles) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(toggles))
	for k, v := range toggles {
		out[k] = v
	}
	return out
}

// EndpointURL resolves the endpoint template of op with its query id.
func (m *Manifest) EndpointURL(op string) (string, error) {
	template := strings.TrimSpace(m.Endpoints[op])
	if template == "" {
		return "", &xerrors.ManifestError{Message: "no endpoint for operation " + op}
	}
	queryID := strings.TrimSpace(m.QueryIDs[op])
	if strings.Contains(template, "{query_id}") {
		if queryID == "" {
			return "", &xerrors.ManifestError{Message: "no query id for operation " + op}
		}
		template = strings.ReplaceAll(template, "{query_id}", queryID)
	}
	return template, nil
}

// Timeout is the request timeout the manifest asks for.
func (m *Manifest) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// canonicalJSON encodes v compactly. Map keys come out sorted.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAny(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmptyNested(m map[string]map[string]interface{}) map[string]map[string]interface{} {
	if m == nil {
		return map[string]map[string]interface{}{}
	}
	return m
}
