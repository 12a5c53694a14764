package loc

import (
	"context"
	"sync"
	"time"

	"github.com/cam3ron2/github-loc/internal/githubapi"
)

type fakePager struct {
	mu    sync.Mutex
	pages map[int]githubapi.RepositoryPage
	errs  map[int]error
	calls []int
}

func (p *fakePager) ListRepositoriesPage(_ context.Context, _ githubapi.Account, _ string, page int) (githubapi.RepositoryPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, page)
	if err, ok := p.errs[page]; ok {
		return githubapi.RepositoryPage{Page: page, Metadata: githubapi.CallMetadata{Attempts: 3}}, err
	}
	if result, ok := p.pages[page]; ok {
		result.Page = page
		return result, nil
	}
	return githubapi.RepositoryPage{Page: page, Status: githubapi.EndpointStatusOK, StatusCode: 200}, nil
}

func (p *fakePager) pagesCalled() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.calls...)
}

func okPage(repos ...githubapi.Repository) githubapi.RepositoryPage {
	return githubapi.RepositoryPage{Status: githubapi.EndpointStatusOK, StatusCode: 200, Repositories: repos}
}

type fakeStats struct {
	mu      sync.Mutex
	results map[string]githubapi.ContributorStatsResult
	errs    map[string]error
	calls   []string
	// block, when set, is awaited before answering.
	block chan struct{}
}

func (s *fakeStats) GetContributorStats(ctx context.Context, owner, repo, _ string) (githubapi.ContributorStatsResult, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return githubapi.ContributorStatsResult{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := owner + "/" + repo
	s.calls = append(s.calls, key)
	if err, ok := s.errs[key]; ok {
		return githubapi.ContributorStatsResult{Metadata: githubapi.CallMetadata{Attempts: 3}}, err
	}
	if result, ok := s.results[key]; ok {
		return result, nil
	}
	return githubapi.ContributorStatsResult{Status: githubapi.EndpointStatusOK, StatusCode: 200, Metadata: githubapi.CallMetadata{Attempts: 1}}, nil
}

func repo(owner, name string) githubapi.Repository {
	return githubapi.Repository{
		Name:     name,
		FullName: owner + "/" + name,
		Owner:    owner,
		CloneURL: "https://github.com/" + owner + "/" + name + ".git",
	}
}

func author(login string) *githubapi.Author {
	return &githubapi.Author{
		Login:     login,
		AvatarURL: "https://avatars.example.com/" + login,
		HTMLURL:   "https://github.com/" + login,
	}
}

func week(at time.Time, additions, deletions, commits int) githubapi.ContributorWeek {
	return githubapi.ContributorWeek{Week: at.Unix(), Additions: additions, Deletions: deletions, Commits: commits}
}

func statsOK(contributors ...githubapi.Contributor) githubapi.ContributorStatsResult {
	return githubapi.ContributorStatsResult{
		Status:       githubapi.EndpointStatusOK,
		StatusCode:   200,
		Contributors: contributors,
		Metadata:     githubapi.CallMetadata{Attempts: 1},
	}
}

var (
	testFrom   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testTo     = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	testWindow = Window{From: testFrom, To: testTo}
)
