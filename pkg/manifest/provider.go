package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/retry"
	"xscraper/pkg/storage"
)

// DefaultCacheTTL is how long a fetched manifest stays fresh.
const DefaultCacheTTL = time.Hour

// Cache stores fetched manifests. *storage.ManifestRepo implements it.
type Cache interface {
	GetCached(ctx context.Context, key string, allowExpired bool) (*storage.CachedManifest, error)
	SetCached(ctx context.Context, key string, payload []byte, ttl time.Duration, etag string) error
}

// Options configures a Provider.
type Options struct {
	// URL of the remote manifest. Empty means local only.
	URL string
	// File overrides the bundled manifest when it parses.
	File          string
	CacheTTL      time.Duration
	FetchTimeout  time.Duration
	FetchAttempts int
	HTTPClient    *http.Client
}

// Provider resolves the manifest from remote, cache, file or the bundled copy.
// Get never fails; it degrades to the next source.
type Provider struct {
	opts   Options
	cache  Cache
	client *http.Client
	logger logger.Logger
}

// NewProvider creates a provider. cache may be nil.
func NewProvider(opts Options, cache Cache, log logger.Logger) *Provider {
	if opts.CacheTTL < time.Second {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = 2
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.FetchTimeout}
	}
	return &Provider{
		opts:   opts,
		cache:  cache,
		client: client,
		logger: logger.OrDefault(log).WithField("component", "manifest"),
	}
}

// Get returns the fresh cached manifest, else a fetched one, else the stale
// cached one, else the local one.
func (p *Provider) Get(ctx context.Context) *Manifest {
	if p.opts.URL == "" {
		return p.local()
	}

	if cached := p.cached(ctx, false); cached != nil {
		return cached
	}

	remote, err := p.fetchAndStore(ctx)
	if err == nil {
		return remote
	}
	p.logger.WarnWithFields("manifest fetch failed, falling back", map[string]interface{}{
		"url":   p.opts.URL,
		"error": err.Error(),
	})

	if stale := p.cached(ctx, true); stale != nil {
		return stale
	}
	return p.local()
}

// Refresh forces a remote fetch. When strict, a failed fetch is returned as a
// ManifestError; otherwise it falls back to the stale cache or local copy.
func (p *Provider) Refresh(ctx context.Context, strict bool) (*Manifest, error) {
	if p.opts.URL == "" {
		return p.local(), nil
	}

	remote, err := p.fetchAndStore(ctx)
	if err == nil {
		return remote, nil
	}

	if strict {
		var me *xerrors.ManifestError
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, &xerrors.ManifestError{Message: "refresh failed url=" + p.opts.URL, Err: err}
	}
	p.logger.WarnWithFields("manifest refresh failed", map[string]interface{}{
		"url":   p.opts.URL,
		"error": err.Error(),
	})
	if stale := p.cached(ctx, true); stale != nil {
		return stale, nil
	}
	return p.local(), nil
}

func (p *Provider) local() *Manifest {
	if p.opts.File == "" {
		return Default()
	}
	data, err := os.ReadFile(p.opts.File)
	if err != nil {
		p.logger.WarnWithFields("manifest file unreadable, using bundled manifest", map[string]interface{}{
			"path":  p.opts.File,
			"error": err.Error(),
		})
		return Default()
	}
	m, err := Parse(data)
	if err != nil {
		p.logger.WarnWithFields("manifest file invalid, using bundled manifest", map[string]interface{}{
			"path":  p.opts.File,
			"error": err.Error(),
		})
		return Default()
	}
	return m
}

func (p *Provider) cached(ctx context.Context, allowExpired bool) *Manifest {
	if p.cache == nil {
		return nil
	}
	row, err := p.cache.GetCached(ctx, p.opts.URL, allowExpired)
	if err != nil {
		p.logger.WarnWithFields("manifest cache read failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if row == nil {
		return nil
	}
	m, err := Parse([]byte(row.Payload))
	if err != nil {
		return nil
	}
	return m
}

type fetchResult struct {
	body        []byte
	etag        string
	notModified bool
}

func (p *Provider) fetchAndStore(ctx context.Context) (*Manifest, error) {
	var etag string
	var stale *storage.CachedManifest
	if p.cache != nil {
		if row, err := p.cache.GetCached(ctx, p.opts.URL, true); err == nil && row != nil {
			stale = row
			etag = strings.TrimSpace(models.Str(row.ETag))
		}
	}

	res, err := retry.DoWithResult(ctx, func(ctx context.Context) (*fetchResult, error) {
		return p.fetch(ctx, etag)
	}, &retry.Config{
		MaxAttempts: p.opts.FetchAttempts,
		Backoff:     &retry.ConstantBackoff{Delay: 500 * time.Millisecond},
		RetryIf:     retryableFetchError,
		Logger:      p.logger,
	})
	if err != nil {
		return nil, err
	}

	body := res.body
	if res.notModified {
		if stale == nil {
			return nil, &xerrors.ManifestError{Message: "304 without a cached manifest"}
		}
		body = []byte(stale.Payload)
		res.etag = etag
	}

	m, err := Parse(body)
	if err != nil {
		return nil, &xerrors.ManifestError{Message: "manifest refresh returned invalid payload", Err: err}
	}

	if p.cache != nil {
		stored, err := canonicalJSON(m)
		if err == nil {
			err = p.cache.SetCached(ctx, p.opts.URL, stored, p.opts.CacheTTL, res.etag)
		}
		if err != nil {
			p.logger.WarnWithFields("manifest cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}

	p.logger.InfoWithFields("manifest fetched", map[string]interface{}{
		"url":          p.opts.URL,
		"version":      m.Version,
		"fingerprint":  m.Fingerprint,
		"not_modified": res.notModified,
	})
	return m, nil
}

func (p *Provider) fetch(ctx context.Context, etag string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return nil, &xerrors.ManifestError{Message: "bad manifest url", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &xerrors.Error{
			Type:    xerrors.ErrorTypeNetwork,
			Message: fmt.Sprintf("manifest fetch: %v", err),
			Code:    xerrors.StatusNetworkFailure,
		}
	}
	defer resp.Body.Close()
	logger.LogRequest(p.logger, req.Method, p.opts.URL, resp.StatusCode, float64(time.Since(start).Microseconds())/1000)

	if resp.StatusCode == http.StatusNotModified {
		return &fetchResult{notModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &xerrors.Error{
			Type:    xerrors.ClassifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("manifest fetch failed with status=%d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &xerrors.Error{
			Type:    xerrors.ErrorTypeNetwork,
			Message: fmt.Sprintf("read manifest body: %v", err),
			Code:    xerrors.StatusNetworkFailure,
		}
	}
	return &fetchResult{body: body, etag: resp.Header.Get("ETag")}, nil
}

// retryableFetchError retries only typed transport and upstream failures.
func retryableFetchError(err error) bool {
	var apiErr *xerrors.Error
	if errors.As(err, &apiErr) {
		return xerrors.IsRetryable(apiErr.Type)
	}
	return false
}
