package loc

import (
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/github-loc/internal/githubapi"
)

// Window is a closed time range. Both bounds are inclusive and compared as UTC
// unix seconds.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow validates and normalizes a window to UTC.
func NewWindow(from, to time.Time) (Window, error) {
	if from.IsZero() || to.IsZero() {
		return Window{}, fmt.Errorf("%w: from and to are required", ErrInvalidWindow)
	}
	if to.Before(from) {
		return Window{}, fmt.Errorf("%w: to %s is before from %s", ErrInvalidWindow, to.UTC().Format(time.RFC3339), from.UTC().Format(time.RFC3339))
	}
	return Window{From: from.UTC(), To: to.UTC()}, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseTime reads an ISO-8601 date or date-time. Values without an offset are
// read as UTC.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date or date-time", raw)
}

// Contains reports whether the unix timestamp falls inside the window.
func (w Window) Contains(unix int64) bool {
	return unix >= w.From.Unix() && unix <= w.To.Unix()
}

// RepositoryContribution is one author's activity in one repository, reduced to a window.
type RepositoryContribution struct {
	RepositoryName     string     `json:"repositoryName"`
	RepositoryFullName string     `json:"repositoryFullName"`
	RepositoryURL      string     `json:"repositoryUrl"`
	Additions          int        `json:"additions"`
	Deletions          int        `json:"deletions"`
	LOC                int        `json:"loc"`
	Commits            int        `json:"commits"`
	IsFork             bool       `json:"isFork"`
	IsArchived         bool       `json:"isArchived"`
	LastContribution   *time.Time `json:"lastContribution"`

	// listing position of the repository, used for deterministic ordering
	seq int
}

// IsZero reports whether the contribution has neither changed lines nor commits.
func (c RepositoryContribution) IsZero() bool {
	return c.LOC == 0 && c.Commits == 0
}

// Reduce folds a contributor's weekly buckets that fall inside window into a
// single contribution for repo.
func Reduce(repo githubapi.Repository, record githubapi.Contributor, window Window) RepositoryContribution {
	contribution := RepositoryContribution{
		RepositoryName:     repo.Name,
		RepositoryFullName: repo.FullName,
		RepositoryURL:      repo.CloneURL,
		IsFork:             repo.Fork,
		IsArchived:         repo.Archived,
	}

	var latest *githubapi.ContributorWeek
	for i, week := range record.Weeks {
		if !window.Contains(week.Week) {
			continue
		}
		contribution.Additions += week.Additions
		contribution.Deletions += week.Deletions
		contribution.Commits += week.Commits
		if latest == nil || week.Week > latest.Week {
			latest = &record.Weeks[i]
		}
	}
	contribution.LOC = contribution.Additions + contribution.Deletions
	if latest != nil {
		last := latest.Start()
		contribution.LastContribution = &last
	}
	return contribution
}
