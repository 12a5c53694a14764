//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGitHubAPI struct {
	mu sync.Mutex

	server *httptest.Server

	orgRepos   map[string][]repositoryListing
	userRepos  map[string][]repositoryListing
	repoStats  map[string][]fixtureContributor
	computing  map[string]int
	failures   map[string]*failureRule
	callCount  map[string]int
	authHeader []string
}

type failureRule struct {
	status    int
	remaining int
	body      map[string]string
}

type repositoryListing struct {
	Name     string
	Fork     bool
	Archived bool
}

type fixtureContributor struct {
	User  string
	Weeks []fixtureContributorWeek
}

type fixtureContributorWeek struct {
	WeekStart time.Time
	Additions int
	Deletions int
	Commits   int
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		orgRepos:  make(map[string][]repositoryListing),
		userRepos: make(map[string][]repositoryListing),
		repoStats: make(map[string][]fixtureContributor),
		computing: make(map[string]int),
		failures:  make(map[string]*failureRule),
		callCount: make(map[string]int),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.Close)
	return fixture
}

func (f *fakeGitHubAPI) URL() string {
	if f == nil || f.server == nil {
		return ""
	}
	return f.server.URL
}

func (f *fakeGitHubAPI) Close() {
	if f == nil || f.server == nil {
		return
	}
	f.server.Close()
}

func (f *fakeGitHubAPI) SetOrgRepos(org string, repos ...repositoryListing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgRepos[strings.TrimSpace(org)] = append([]repositoryListing(nil), repos...)
}

func (f *fakeGitHubAPI) SetUserRepos(user string, repos ...repositoryListing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userRepos[strings.TrimSpace(user)] = append([]repositoryListing(nil), repos...)
}

func (f *fakeGitHubAPI) SetContributors(owner, repo string, contributors ...fixtureContributor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoStats[repoKey(owner, repo)] = append([]fixtureContributor(nil), contributors...)
}

// ComputeStatsFor answers the next times contributor stats calls for the
// repository with 202 Accepted.
func (f *fakeGitHubAPI) ComputeStatsFor(owner, repo string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computing[repoKey(owner, repo)] = times
}

func (f *fakeGitHubAPI) FailPath(path string, statusCode int, times int) {
	if statusCode <= 0 || times <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = &failureRule{
		status:    statusCode,
		remaining: times,
		body: map[string]string{
			"message": fmt.Sprintf("forced failure for %s", path),
		},
	}
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

func (f *fakeGitHubAPI) AuthorizationHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authHeader...)
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	f.recordCall(path, r.Header.Get("Authorization"))

	if f.tryFailPath(path, w) {
		return
	}

	segments := splitPath(path)
	if len(segments) == 3 && segments[0] == "orgs" && segments[2] == "repos" {
		f.handleOwnerRepos(w, r, segments[1], true)
		return
	}
	if len(segments) == 3 && segments[0] == "users" && segments[2] == "repos" {
		f.handleOwnerRepos(w, r, segments[1], false)
		return
	}
	if len(segments) == 5 && segments[0] == "repos" && segments[3] == "stats" && segments[4] == "contributors" {
		f.handleContributorStats(w, segments[1], segments[2])
		return
	}

	f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
}

func (f *fakeGitHubAPI) recordCall(path, authorization string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[path]++
	f.authHeader = append(f.authHeader, authorization)
}

func (f *fakeGitHubAPI) tryFailPath(path string, w http.ResponseWriter) bool {
	f.mu.Lock()
	rule, ok := f.failures[path]
	if ok && rule.remaining > 0 {
		rule.remaining--
		status := rule.status
		body := rule.body
		f.mu.Unlock()
		f.writeJSON(w, status, body)
		return true
	}
	f.mu.Unlock()
	return false
}

func (f *fakeGitHubAPI) handleOwnerRepos(w http.ResponseWriter, r *http.Request, owner string, orgRoute bool) {
	f.mu.Lock()
	var repos []repositoryListing
	var ok bool
	if orgRoute {
		repos, ok = f.orgRepos[owner]
	} else {
		repos, ok = f.userRepos[owner]
	}
	repos = append([]repositoryListing(nil), repos...)
	f.mu.Unlock()

	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || perPage < 1 {
		perPage = 30
	}
	start := (page - 1) * perPage
	if start > len(repos) {
		start = len(repos)
	}
	end := min(start+perPage, len(repos))

	payload := make([]map[string]any, 0, end-start)
	for _, repo := range repos[start:end] {
		payload = append(payload, map[string]any{
			"name":      repo.Name,
			"full_name": owner + "/" + repo.Name,
			"html_url":  "https://github.com/" + owner + "/" + repo.Name,
			"clone_url": "https://github.com/" + owner + "/" + repo.Name + ".git",
			"archived":  repo.Archived,
			"disabled":  false,
			"fork":      repo.Fork,
			"owner":     map[string]any{"login": owner},
		})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) handleContributorStats(w http.ResponseWriter, owner, repo string) {
	key := repoKey(owner, repo)

	f.mu.Lock()
	if f.computing[key] > 0 {
		f.computing[key]--
		f.mu.Unlock()
		f.writeJSON(w, http.StatusAccepted, map[string]string{})
		return
	}
	contributors, ok := f.repoStats[key]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payload := make([]map[string]any, 0, len(contributors))
	for _, contributor := range contributors {
		weeks := make([]map[string]any, 0, len(contributor.Weeks))
		total := 0
		for _, week := range contributor.Weeks {
			weeks = append(weeks, map[string]any{
				"w": week.WeekStart.UTC().Unix(),
				"a": week.Additions,
				"d": week.Deletions,
				"c": week.Commits,
			})
			total += week.Commits
		}
		item := map[string]any{"total": total, "weeks": weeks, "author": nil}
		if contributor.User != "" {
			item["author"] = map[string]any{
				"login":      contributor.User,
				"avatar_url": "https://avatars.example.com/" + contributor.User,
				"html_url":   "https://github.com/" + contributor.User,
			}
		}
		payload = append(payload, item)
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "4900")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func repoKey(owner, repo string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + "/" + strings.ToLower(strings.TrimSpace(repo))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
