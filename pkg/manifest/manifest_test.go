package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/storage"
)

const remoteManifest = `{
	"version": "remote-7",
	"query_ids": {"search_timeline": "remoteQID"},
	"endpoints": {"search_timeline": "https://x.com/i/api/graphql/{query_id}/SearchTimeline"},
	"features": {"a": true}
}`

type memoryCache struct {
	mu      sync.Mutex
	rows    map[string]*storage.CachedManifest
	expired bool
	writes  int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{rows: map[string]*storage.CachedManifest{}}
}

func (c *memoryCache) GetCached(_ context.Context, key string, allowExpired bool) (*storage.CachedManifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.rows[key]
	if row == nil || (c.expired && !allowExpired) {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (c *memoryCache) SetCached(_ context.Context, key string, payload []byte, _ time.Duration, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := &storage.CachedManifest{Key: key, Payload: string(payload)}
	if etag != "" {
		row.ETag = &etag
	}
	c.rows[key] = row
	c.expired = false
	c.writes++
	return nil
}

func TestDefaultManifest(t *testing.T) {
	m := Default()
	assert.Equal(t, "v4-default-1", m.Version)
	assert.Equal(t, "f_A-Gyo204PRxixpkrchJg", m.QueryIDs[OpSearchTimeline])
	assert.Equal(t, "-oaLodhGbbnzJBACb1kk2Q", m.QueryIDs[OpUserLookup])
	assert.Len(t, m.Fingerprint, 40)
	assert.Equal(t, 20*time.Second, m.Timeout())

	url, err := m.EndpointURL(OpSearchTimeline)
	require.NoError(t, err)
	assert.Equal(t, "https://x.com/i/api/graphql/f_A-Gyo204PRxixpkrchJg/SearchTimeline", url)

	_, err = m.EndpointURL("nope")
	assert.Error(t, err)
}

func TestFingerprintIsStable(t *testing.T) {
	a, err := Parse([]byte(remoteManifest))
	require.NoError(t, err)
	b, err := Parse([]byte(remoteManifest))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	changed, err := Parse([]byte(`{"query_ids":{"search_timeline":"other"},"endpoints":{"search_timeline":"u"}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, changed.Fingerprint)

	explicit, err := Parse([]byte(`{"fingerprint":"fixed","query_ids":{"search_timeline":"q"},"endpoints":{"search_timeline":"u"}}`))
	require.NoError(t, err)
	assert.Equal(t, "fixed", explicit.Fingerprint)
}

func TestValidateRequiresSearchTimeline(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing query id", `{"endpoints":{"search_timeline":"u"}}`},
		{"missing endpoint", `{"query_ids":{"search_timeline":"q"}}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var me *xerrors.ManifestError
			assert.True(t, errors.As(err, &me))
		})
	}
}

func TestFeaturesAndToggles(t *testing.T) {
	m := Default()

	search := m.FeaturesFor(OpSearchTimeline)
	assert.Equal(t, len(m.Features), len(search))

	lookup := m.FeaturesFor(OpUserLookup)
	assert.Equal(t, true, lookup["hidden_profile_subscriptions_enabled"])
	_, leaked := m.Features["hidden_profile_subscriptions_enabled"]
	assert.False(t, leaked, "overrides must not modify the global features")

	assert.Nil(t, m.FieldTogglesFor(OpSearchTimeline))
	toggles := m.FieldTogglesFor(OpUserLookup)
	assert.Equal(t, false, toggles["withPayments"])
}

func TestProviderWithoutURLUsesLocal(t *testing.T) {
	p := NewProvider(Options{}, nil, logger.NewNopLogger())
	assert.Equal(t, "v4-default-1", p.Get(context.Background()).Version)

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(remoteManifest), 0o644))
	p = NewProvider(Options{File: path}, nil, logger.NewNopLogger())
	assert.Equal(t, "remote-7", p.Get(context.Background()).Version)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":"broken"}`), 0o644))
	assert.Equal(t, "v4-default-1", p.Get(context.Background()).Version)

	m, err := p.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "v4-default-1", m.Version)
}

func TestProviderFetchesAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("ETag", `"v7"`)
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer srv.Close()

	cache := newMemoryCache()
	p := NewProvider(Options{URL: srv.URL}, cache, logger.NewNopLogger())

	m := p.Get(context.Background())
	assert.Equal(t, "remote-7", m.Version)
	assert.Equal(t, `"v7"`, *cache.rows[srv.URL].ETag)

	m = p.Get(context.Background())
	assert.Equal(t, "remote-7", m.Version)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "fresh cache avoids a second fetch")
}

func TestProviderFallsBackToStaleCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cache := newMemoryCache()
	require.NoError(t, cache.SetCached(context.Background(), srv.URL, []byte(remoteManifest), time.Hour, ""))
	cache.expired = true

	p := NewProvider(Options{URL: srv.URL, FetchAttempts: 1}, cache, logger.NewNopLogger())
	assert.Equal(t, "remote-7", p.Get(context.Background()).Version)

	m, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "remote-7", m.Version)
}

func TestProviderFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"no search op"}`))
	}))
	defer srv.Close()

	p := NewProvider(Options{URL: srv.URL}, newMemoryCache(), logger.NewNopLogger())
	assert.Equal(t, "v4-default-1", p.Get(context.Background()).Version)
}

func TestProviderRefreshStrict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProvider(Options{URL: srv.URL}, newMemoryCache(), logger.NewNopLogger())
	m, err := p.Refresh(context.Background(), true)
	assert.Nil(t, m)
	var me *xerrors.ManifestError
	require.True(t, errors.As(err, &me))
	assert.Contains(t, err.Error(), "status=404")
}

func TestProviderRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer srv.Close()

	p := NewProvider(Options{URL: srv.URL}, nil, logger.NewNopLogger())
	m, err := p.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "remote-7", m.Version)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestProviderConditionalRefresh(t *testing.T) {
	var conditional int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v7"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v7"`)
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer srv.Close()

	cache := newMemoryCache()
	p := NewProvider(Options{URL: srv.URL}, cache, logger.NewNopLogger())

	_, err := p.Refresh(context.Background(), true)
	require.NoError(t, err)

	m, err := p.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "remote-7", m.Version)
	assert.Equal(t, int32(1), atomic.LoadInt32(&conditional))
	assert.Equal(t, 2, cache.writes, "a 304 renews the cache row")
	assert.Equal(t, `"v7"`, *cache.rows[srv.URL].ETag)
}

func TestProviderWithSQLiteCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"sq"`)
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer srv.Close()

	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), logger.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	p := NewProvider(Options{URL: srv.URL}, store.Manifests(), logger.NewNopLogger())
	m := p.Get(context.Background())
	assert.Equal(t, "remote-7", m.Version)

	row, err := store.Manifests().GetCached(context.Background(), srv.URL, false)
	require.NoError(t, err)
	require.NotNil(t, row)
	cached, err := Parse([]byte(row.Payload))
	require.NoError(t, err)
	assert.Equal(t, m.Fingerprint, cached.Fingerprint)
}
