package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xscraper/pkg/cooldown"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/ratelimit"
	"xscraper/pkg/storage"
	"xscraper/pkg/xapi"
)

type releaseCall struct {
	LeaseID string
	Update  *storage.ReleaseUpdate
}

// fakePool hands out the configured accounts and records every write.
type fakePool struct {
	mu         sync.Mutex
	accounts   []models.Account
	acquireErr error

	heartbeatResult bool
	heartbeats      int
	releases        []releaseCall
	usage           map[string]int
	upserts         []models.Account
}

func newFakePool(usernames ...string) *fakePool {
	p := &fakePool{heartbeatResult: true, usage: map[string]int{}}
	for i, name := range usernames {
		p.accounts = append(p.accounts, models.Account{
			ID:       int64(i + 1),
			Username: name,
			Status:   models.Ptr(models.StatusUsable),
		})
	}
	return p
}

func (p *fakePool) AcquireLeases(_ context.Context, count int, runID, prefix string) ([]models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	var out []models.Account
	for i, a := range p.accounts {
		if i >= count {
			break
		}
		a.LeaseID = models.Ptr("lease-" + a.Username)
		a.LeaseRunID = models.Ptr(runID)
		a.LeaseWorkerID = models.Ptr(fmt.Sprintf("%s:%d", prefix, i))
		out = append(out, a)
	}
	return out, nil
}

func (p *fakePool) Heartbeat(_ context.Context, _ string, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	return p.heartbeatResult, nil
}

func (p *fakePool) Release(_ context.Context, leaseID string, update *storage.ReleaseUpdate, _ map[string]int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases = append(p.releases, releaseCall{LeaseID: leaseID, Update: update})
	return true, nil
}

func (p *fakePool) RecordUsage(_ context.Context, leaseID string, pages, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage[leaseID] += pages
	return nil
}

func (p *fakePool) UpsertAccount(_ context.Context, account models.Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts = append(p.upserts, account)
	return nil
}

func (p *fakePool) releaseCalls() []releaseCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]releaseCall(nil), p.releases...)
}

func (p *fakePool) heartbeatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats
}

// fakeSearcher answers each call with respond and keeps the calls it saw.
type fakeSearcher struct {
	mu      sync.Mutex
	calls   []xapi.SearchCall
	respond func(n int, call xapi.SearchCall) (*models.SearchResponse, error)
}

func (s *fakeSearcher) Search(_ context.Context, call xapi.SearchCall) (*models.SearchResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	n := len(s.calls)
	s.mu.Unlock()
	return s.respond(n, call)
}

func (s *fakeSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// fakeSessions builds empty sessions, failing for the usernames in failures.
type fakeSessions struct {
	mu       sync.Mutex
	failures map[string]error
	closed   int
}

func (f *fakeSessions) Build(_ context.Context, account models.Account) (*xapi.Session, xapi.SessionMeta, error) {
	if err, ok := f.failures[account.Username]; ok {
		return nil, xapi.SessionMeta{}, err
	}
	return &xapi.Session{Username: account.Username, AccountID: account.ID}, xapi.SessionMeta{Username: account.Username}, nil
}

func (f *fakeSessions) Close(*xapi.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeRuns struct {
	mu        sync.Mutex
	created   int
	finalized []string
	items     int
}

func (f *fakeRuns) CreateRun(context.Context, string, any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "run-1", nil
}

func (f *fakeRuns) FinalizeRun(_ context.Context, _ string, status string, items int, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, status)
	f.items = items
	return nil
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	saved   []string
	cleared int
}

func (f *fakeCheckpoints) SaveCheckpoint(_ context.Context, _, _ string, cursor *string, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, models.Str(cursor))
	return nil
}

func (f *fakeCheckpoints) ClearCheckpoint(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

type fakeRepairer struct {
	mu    sync.Mutex
	calls int
	fixed bool
}

func (f *fakeRepairer) Repair(_ context.Context, account models.Account, _ string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.fixed {
		return nil, nil
	}
	account.AuthToken = models.Ptr("fresh-token")
	return &account, nil
}

// gateObserver closes retried the first time a task is scheduled for retry.
type gateObserver struct {
	nopObserver
	once    sync.Once
	retried chan struct{}
}

func newGateObserver() *gateObserver {
	return &gateObserver{retried: make(chan struct{})}
}

func (g *gateObserver) TaskFinished(_, outcome string, _ models.RunStats) {
	if outcome == OutcomeRetried {
		g.once.Do(func() { close(g.retried) })
	}
}

func (g *gateObserver) wait() {
	select {
	case <-g.retried:
	case <-time.After(2 * time.Second):
	}
}

type instantLimiter struct{}

func (instantLimiter) Allow() bool { return true }
func (instantLimiter) Acquire(context.Context) error { return nil }
func (instantLimiter) Reset() {}

func page(cursor string, more bool, ids ...string) *models.SearchResponse {
	resp := &models.SearchResponse{StatusCode: 200, Continue: more, Headers: map[string]string{}}
	for _, id := range ids {
		resp.Items = append(resp.Items, models.Item{ID: id})
	}
	if cursor != "" {
		resp.NextCursor = models.Ptr(cursor)
	}
	return resp
}

func status(code int) *models.SearchResponse {
	return &models.SearchResponse{StatusCode: code, Headers: map[string]string{}, Snippet: fmt.Sprintf("status %d", code)}
}

func testOptions() Options {
	o := DefaultOptions()
	o.Concurrency = 1
	o.NSplits = 1
	o.HeartbeatInterval = 0
	o.TaskRetryBase = time.Millisecond
	o.TaskRetryMax = 5 * time.Millisecond
	return o
}

func testDeps(pool *fakePool, searcher *fakeSearcher) Dependencies {
	return Dependencies{
		Searcher:   searcher,
		Sessions:   &fakeSessions{},
		Pool:       pool,
		Cooldown:   cooldown.NewPolicy(cooldown.DefaultSettings(), cooldown.WithoutJitter()),
		NewLimiter: func() ratelimit.Limiter { return instantLimiter{} },
		Logger:     logger.NewNopLogger(),
	}
}

func oneDay() models.SearchRequest {
	return models.SearchRequest{Since: "2024-01-01", Until: "2024-01-01", AllWords: []string{"golang"}}
}
