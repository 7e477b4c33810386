package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/manifest"
	"xscraper/pkg/models"
)

// Page size bounds
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	snippetLength   = 200
)

// ManifestSource returns the manifest to resolve endpoints with.
// *manifest.Provider implements it.
type ManifestSource interface {
	Get(ctx context.Context) *manifest.Manifest
}

// SearchCall is one page request for a task.
type SearchCall struct {
	Request models.SearchRequest
	Since   string
	Until   string
	Cursor  *string
	Session *Session
	// PageSize overrides the client default when positive.
	PageSize int
}

// Client talks to the SearchTimeline GraphQL operation.
type Client struct {
	manifests ManifestSource
	pageSize  int
	logger    logger.Logger
}

// NewClient creates a search client. pageSize is clamped to 1..100.
func NewClient(manifests ManifestSource, pageSize int, log logger.Logger) *Client {
	return &Client{
		manifests: manifests,
		pageSize:  clampPageSize(pageSize),
		logger:    logger.OrDefault(log).WithField("component", "xapi"),
	}
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// Search fetches one page. Upstream failures are reported through
// SearchResponse.StatusCode: non-200 statuses as received, 598 for an
// undecodable body, 599 for transport errors. An error is returned only when
// the call cannot be made at all.
func (c *Client) Search(ctx context.Context, call SearchCall) (*models.SearchResponse, error) {
	if call.Session == nil {
		return nil, fmt.Errorf("search requires a session")
	}
	m := c.manifests.Get(ctx)
	endpoint, err := m.EndpointURL(manifest.OpSearchTimeline)
	if err != nil {
		return nil, err
	}

	pageSize := c.pageSize
	if call.PageSize > 0 {
		pageSize = clampPageSize(call.PageSize)
	}
	reqURL, err := BuildSearchURL(endpoint, m, call.Request, call.Since, call.Until, models.Str(call.Cursor), pageSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	account := call.Session.Username
	start := time.Now()
	resp, err := call.Session.Do(req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && ctxErr != context.DeadlineExceeded {
			return nil, ctxErr
		}
		c.logger.WarnWithFields("API request failed", map[string]interface{}{
			"endpoint": endpoint,
			"status":   xerrors.StatusNetworkFailure,
			"account":  account,
			"error":    err.Error(),
		})
		return &models.SearchResponse{StatusCode: xerrors.StatusNetworkFailure, Headers: map[string]string{}}, nil
	}
	defer resp.Body.Close()

	headers := flattenHeaders(resp.Header)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.SearchResponse{StatusCode: xerrors.StatusNetworkFailure, Headers: headers}, nil
	}
	snippet := truncate(string(body), snippetLength)
	logger.LogRequest(c.logger.WithField("account", account), http.MethodGet, endpoint, resp.StatusCode, elapsed)

	if resp.StatusCode != http.StatusOK {
		c.logger.InfoWithFields("API request rejected", map[string]interface{}{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"account":  account,
			"snippet":  truncate(snippet, 160),
		})
		return &models.SearchResponse{StatusCode: resp.StatusCode, Headers: headers, Snippet: snippet}, nil
	}

	var payload searchTimelineResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.InfoWithFields("API response not JSON", map[string]interface{}{
			"endpoint": endpoint,
			"status":   xerrors.StatusDecodeFailure,
			"account":  account,
		})
		return &models.SearchResponse{StatusCode: xerrors.StatusDecodeFailure, Headers: headers, Snippet: snippet}, nil
	}
	if status, ok := graphQLErrorStatus(payload.Errors); ok {
		c.logger.InfoWithFields("API returned GraphQL errors", map[string]interface{}{
			"endpoint": endpoint,
			"status":   status,
			"account":  account,
		})
		return &models.SearchResponse{StatusCode: status, Headers: headers, Snippet: snippet}, nil
	}

	items, cursor := extractItems(&payload)
	out := &models.SearchResponse{
		Items:      items,
		StatusCode: http.StatusOK,
		Headers:    headers,
		Snippet:    snippet,
		Continue:   cursor != "",
	}
	if cursor != "" {
		out.NextCursor = &cursor
	}
	return out, nil
}

// BuildSearchURL encodes the SearchTimeline variables, features and field
// toggles onto endpoint.
func BuildSearchURL(endpoint string, m *manifest.Manifest, req models.SearchRequest, since, until, cursor string, pageSize int) (string, error) {
	variables := map[string]interface{}{
		"rawQuery":             req.RawQuery(since, until),
		"count":                clampPageSize(pageSize),
		"querySource":          "typed_query",
		"product":              req.Product(),
		"withGrokTranslatedBio": false,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}

	params := url.Values{}
	if err := setJSONParam(params, "variables", variables); err != nil {
		return "", err
	}
	if err := setJSONParam(params, "features", m.FeaturesFor(manifest.OpSearchTimeline)); err != nil {
		return "", err
	}
	if toggles := m.FieldTogglesFor(manifest.OpSearchTimeline); toggles != nil {
		if err := setJSONParam(params, "fieldToggles", toggles); err != nil {
			return "", err
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("search endpoint: %w", err)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func setJSONParam(params url.Values, key string, v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	params.Set(key, string(bytes.TrimRight(buf.Bytes(), "\n")))
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) > 0 {
			out[k] = values[0]
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
