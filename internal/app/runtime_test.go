package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/github-loc/internal/config"
	"github.com/cam3ron2/github-loc/internal/exporter"
	"github.com/cam3ron2/github-loc/internal/githubapi"
	"github.com/cam3ron2/github-loc/internal/health"
	"github.com/cam3ron2/github-loc/internal/loc"
	"github.com/cam3ron2/github-loc/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPager struct {
	repos []githubapi.Repository
	err   error
}

func (p *stubPager) ListRepositoriesPage(_ context.Context, _ githubapi.Account, _ string, page int) (githubapi.RepositoryPage, error) {
	if p.err != nil {
		return githubapi.RepositoryPage{Page: page}, p.err
	}
	result := githubapi.RepositoryPage{Page: page, Status: githubapi.EndpointStatusOK, StatusCode: http.StatusOK}
	if page == 1 {
		result.Repositories = p.repos
	}
	return result, nil
}

type stubStats struct {
	mu        sync.Mutex
	byRepo    map[string]githubapi.ContributorStatsResult
	remaining int
}

func (s *stubStats) GetContributorStats(_ context.Context, owner, repo, _ string) (githubapi.ContributorStatsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.byRepo[owner+"/"+repo]
	if !ok {
		return githubapi.ContributorStatsResult{Status: githubapi.EndpointStatusOK, StatusCode: http.StatusNoContent}, nil
	}
	result.Metadata.LastRateHeaders = githubapi.RateLimitHeaders{Present: true, Remaining: s.remaining}
	return result, nil
}

type stubRateLimits struct{}

func (stubRateLimits) RateLimits(context.Context, string) (githubapi.RateLimitStatus, error) {
	return githubapi.RateLimitStatus{Core: githubapi.RateBucket{Limit: 5000, Remaining: 4000}}, nil
}

type failingMetricStore struct {
	runtimeStore
	pingErr error
}

func (s *failingMetricStore) UpsertMetric(context.Context, store.MetricPoint) error {
	return errors.New("forced upsert failure")
}

func (s *failingMetricStore) AddMetric(context.Context, store.MetricPoint) error {
	return errors.New("forced add failure")
}

func (s *failingMetricStore) Ping(context.Context) error {
	return s.pingErr
}

var runtimeNow = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Health.GitHubUnhealthyFailureThreshold = 2
	cfg.Health.GitHubRecoverSuccessThreshold = 1
	cfg.Health.GitHubUnhealthyCooldown = time.Minute
	return cfg
}

func testRepository(name string) githubapi.Repository {
	return githubapi.Repository{
		Name:     name,
		FullName: "acme/" + name,
		Owner:    "acme",
		HTMLURL:  "https://github.com/acme/" + name,
	}
}

func weeklyStats(login string, additions, deletions, commits int) githubapi.ContributorStatsResult {
	return githubapi.ContributorStatsResult{
		Status:     githubapi.EndpointStatusOK,
		StatusCode: http.StatusOK,
		Contributors: []githubapi.Contributor{{
			Author: &githubapi.Author{Login: login},
			Total:  commits,
			Weeks: []githubapi.ContributorWeek{{
				Week:      time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC).Unix(),
				Additions: additions,
				Deletions: deletions,
				Commits:   commits,
			}},
		}},
	}
}

func newTestRuntime(t *testing.T, pager loc.RepositoryPager, stats loc.StatsClient) *Runtime {
	t.Helper()

	runtime := newRuntime(testConfig(), runtimeDeps{
		store:             store.NewMemoryStore(time.Hour, 1000),
		pager:             pager,
		stats:             stats,
		rateLimits:        stubRateLimits{},
		defaultCredential: true,
	}, zap.NewNop())
	runtime.Now = func() time.Time { return runtimeNow }
	return runtime
}

func testRequest(t *testing.T) loc.Request {
	t.Helper()
	window, err := loc.NewWindow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return loc.Request{
		Account: githubapi.Account{Kind: githubapi.AccountOrganization, Login: "acme"},
		Window:  window,
	}
}

func findMetric(points []store.MetricPoint, name string, labels map[string]string) *store.MetricPoint {
	for i := range points {
		if points[i].Name != name {
			continue
		}
		matched := true
		for key, value := range labels {
			if points[i].Labels[key] != value {
				matched = false
				break
			}
		}
		if matched {
			return &points[i]
		}
	}
	return nil
}

func TestRuntimeAggregateRecordsRunMetrics(t *testing.T) {
	t.Parallel()

	stats := &stubStats{
		remaining: 4321,
		byRepo: map[string]githubapi.ContributorStatsResult{
			"acme/api": weeklyStats("alice", 10, 5, 2),
			"acme/web": {Status: githubapi.EndpointStatusAccepted, StatusCode: http.StatusAccepted, Metadata: githubapi.CallMetadata{Attempts: 3}},
		},
	}
	runtime := newTestRuntime(t, &stubPager{repos: []githubapi.Repository{testRepository("api"), testRepository("web")}}, stats)

	result, err := runtime.Service().Aggregate(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.True(t, result.Partial())
	require.Len(t, result.Users, 1)
	assert.Equal(t, 15, result.Users[0].TotalLOC)

	snapshot := runtime.store.Snapshot(context.Background())

	runs := findMetric(snapshot, exporter.MetricRunsTotal, map[string]string{"scope": "org", "result": "partial"})
	require.NotNil(t, runs)
	assert.Equal(t, 1.0, runs.Value)

	listed := findMetric(snapshot, exporter.MetricRepositoriesListed, map[string]string{"scope": "org"})
	require.NotNil(t, listed)
	assert.Equal(t, 2.0, listed.Value)

	withStats := findMetric(snapshot, exporter.MetricRepositoriesWithStats, map[string]string{"scope": "org"})
	require.NotNil(t, withStats)
	assert.Equal(t, 1.0, withStats.Value)

	users := findMetric(snapshot, exporter.MetricUsers, map[string]string{"scope": "org"})
	require.NotNil(t, users)
	assert.Equal(t, 1.0, users.Value)

	accepted := findMetric(snapshot, exporter.MetricContributorStatsFetches, map[string]string{"status": "accepted"})
	require.NotNil(t, accepted)
	assert.Equal(t, 1.0, accepted.Value)

	degraded := findMetric(snapshot, exporter.MetricDegradationsTotal, map[string]string{"stage": loc.StageContributorStats})
	require.NotNil(t, degraded)
	assert.Equal(t, 1.0, degraded.Value)

	remaining := findMetric(snapshot, exporter.MetricGitHubRateLimitRemaining, nil)
	require.NotNil(t, remaining)
	assert.Equal(t, 4321.0, remaining.Value)

	lastRun := findMetric(snapshot, exporter.MetricLastRunUnixtime, map[string]string{"scope": "org"})
	require.NotNil(t, lastRun)
	assert.Equal(t, float64(runtimeNow.Unix()), lastRun.Value)

	githubHealth := findMetric(snapshot, exporter.MetricDependencyHealth, map[string]string{"dependency": "github"})
	require.NotNil(t, githubHealth)
	assert.Equal(t, 1.0, githubHealth.Value)

	_, err = runtime.Service().Aggregate(context.Background(), testRequest(t))
	require.NoError(t, err)
	runs = findMetric(runtime.store.Snapshot(context.Background()), exporter.MetricRunsTotal, map[string]string{"scope": "org", "result": "partial"})
	require.NotNil(t, runs)
	assert.Equal(t, 2.0, runs.Value)
}

func TestRuntimeUnreachableGitHubTripsCooldown(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, &stubPager{err: errors.New("dial tcp: connection refused")}, &stubStats{})
	handler := runtime.Handler()

	request := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/loc/repository/acme?from=2024-01-01&to=2024-03-31", nil))
		return rec
	}

	assert.Equal(t, http.StatusBadGateway, request().Code)
	assert.Equal(t, http.StatusBadGateway, request().Code)
	assert.False(t, runtime.tracker.Healthy())

	rec := request()
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	status := runtime.CurrentStatus(context.Background())
	assert.True(t, status.Ready)
	assert.Equal(t, health.ModeDegraded, status.Mode)
	assert.Equal(t, 60, status.CooldownSeconds)

	snapshot := runtime.store.Snapshot(context.Background())
	unreachable := findMetric(snapshot, exporter.MetricRunsTotal, map[string]string{"result": "unreachable"})
	require.NotNil(t, unreachable)
	assert.Equal(t, 2.0, unreachable.Value)
	githubHealth := findMetric(snapshot, exporter.MetricDependencyHealth, map[string]string{"dependency": "github"})
	require.NotNil(t, githubHealth)
	assert.Equal(t, 0.0, githubHealth.Value)

	runtime.Now = func() time.Time { return runtimeNow.Add(2 * time.Minute) }
	assert.Equal(t, http.StatusBadGateway, request().Code)
}

func TestRuntimeHandlerServesEndpoints(t *testing.T) {
	t.Parallel()

	stats := &stubStats{byRepo: map[string]githubapi.ContributorStatsResult{
		"acme/api": weeklyStats("alice", 3, 1, 1),
	}}
	runtime := newTestRuntime(t, &stubPager{repos: []githubapi.Repository{testRepository("api")}}, stats)
	handler := runtime.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/loc/repository/acme/detailed?from=2024-01-01&to=2024-03-31", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/loc/rate-limit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining":4000`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "gh_loc_runs_total")
	assert.Contains(t, body, `route="org_detailed"`)
	assert.Contains(t, body, "gh_loc_http_requests_total")
}

func TestRuntimeCurrentStatus(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, &stubPager{}, &stubStats{})
	status := runtime.CurrentStatus(context.Background())
	assert.True(t, status.Ready)
	assert.Equal(t, health.ModeHealthy, status.Mode)

	runtime.store = &failingMetricStore{runtimeStore: runtime.store, pingErr: errors.New("redis down")}
	status = runtime.CurrentStatus(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, health.ModeUnhealthy, status.Mode)
}

func TestRuntimeMaintenanceExpiresSeries(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, &stubPager{}, &stubStats{})
	runtime.ObserveRequest("user", http.StatusOK, 20*time.Millisecond)
	require.NotNil(t, findMetric(runtime.store.Snapshot(context.Background()), exporter.MetricHTTPRequestsTotal, map[string]string{"route": "user", "status": "200"}))

	runtime.Now = func() time.Time { return runtimeNow.Add(2 * time.Hour) }
	runtime.maintain(context.Background())

	snapshot := runtime.store.Snapshot(context.Background())
	assert.Nil(t, findMetric(snapshot, exporter.MetricHTTPRequestsTotal, nil))
	assert.NotNil(t, findMetric(snapshot, exporter.MetricDependencyHealth, map[string]string{"dependency": "store"}))
}

func TestRuntimeRunMaintenanceStopsOnCancel(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, &stubPager{}, &stubStats{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runtime.RunMaintenance(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunMaintenance did not stop after cancel")
	}
	require.NoError(t, runtime.Close())
}

func TestRuntimeMetricBestEffortHelpersDoNotPanicOnStoreErrors(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, &stubPager{}, &stubStats{})
	runtime.store = &failingMetricStore{runtimeStore: runtime.store}

	assert.NotPanics(t, func() {
		runtime.ObserveRequest("org_summary", http.StatusOK, time.Millisecond)
		runtime.ObserveRun(loc.RunReport{
			Account:       githubapi.Account{Kind: githubapi.AccountUser, Login: "alice"},
			Err:           loc.ErrUnauthorized,
			RateRemaining: -1,
		})
	})
}

func TestRunResult(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		report loc.RunReport
		want   string
	}{
		{name: "success", report: loc.RunReport{Result: &loc.Result{}}, want: "success"},
		{name: "partial", report: loc.RunReport{Result: &loc.Result{Degradations: []loc.Degradation{{Stage: loc.StageListing}}}}, want: "partial"},
		{name: "invalid_window", report: loc.RunReport{Err: loc.ErrInvalidWindow}, want: "invalid"},
		{name: "invalid_account", report: loc.RunReport{Err: loc.ErrInvalidAccount}, want: "invalid"},
		{name: "unauthorized", report: loc.RunReport{Err: loc.ErrUnauthorized}, want: "unauthorized"},
		{name: "unreachable", report: loc.RunReport{Err: loc.ErrUpstreamUnreachable}, want: "unreachable"},
		{name: "cancelled", report: loc.RunReport{Err: context.Canceled}, want: "cancelled"},
		{name: "other", report: loc.RunReport{Err: errors.New("boom")}, want: "error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, runResult(tc.report))
		})
	}
}
