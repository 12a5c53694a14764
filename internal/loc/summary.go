package loc

import (
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/cam3ron2/github-loc/internal/githubapi"
	"github.com/montanaflynn/stats"
)

// Degradation stages.
const (
	StageListing          = "listing"
	StageContributorStats = "contributor_stats"
)

// Degradation records one unit of work that fell back to an empty result.
type Degradation struct {
	Stage      string `json:"stage"`
	Repository string `json:"repository,omitempty"`
	Page       int    `json:"page,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`

	seq int
}

// Distribution summarizes per-user LOC totals.
type Distribution struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	Max    float64 `json:"max"`
}

// Metadata holds run-level totals computed from the final user list.
type Metadata struct {
	TotalRepositories     int          `json:"totalRepositories"`
	TotalUsers            int          `json:"totalUsers"`
	TotalLOC              int          `json:"totalLoc"`
	TotalCommits          int          `json:"totalCommits"`
	RepositoriesListed    int          `json:"repositoriesListed"`
	RepositoriesWithStats int          `json:"repositoriesWithStats"`
	LOCDistribution       Distribution `json:"locDistribution"`
}

// Result is a completed aggregation run.
type Result struct {
	Account         githubapi.Account
	Window          Window
	IncludeForks    bool
	IncludeArchived bool
	CollectedAt     time.Time
	Users           []UserContribution
	Metadata        Metadata
	Degradations    []Degradation
}

// Partial reports whether any unit of work degraded to an empty result.
func (r *Result) Partial() bool {
	return len(r.Degradations) > 0
}

// Find returns the user with login, if present.
func (r *Result) Find(login string) (UserContribution, bool) {
	for _, user := range r.Users {
		if user.Username == login {
			return user, true
		}
	}
	return UserContribution{}, false
}

// BuildInput carries the run facts the summary needs besides the accumulator.
type BuildInput struct {
	Account               githubapi.Account
	Window                Window
	IncludeForks          bool
	IncludeArchived       bool
	CollectedAt           time.Time
	RepositoriesListed    int
	RepositoriesWithStats int
	Degradations          []Degradation
}

// BuildResult sorts users by total LOC, descending, with ties in first-seen
// order, and computes metadata over the sorted list.
func BuildResult(acc *Accumulator, input BuildInput) *Result {
	users := acc.Users()
	for i := range users {
		slices.SortStableFunc(users[i].Repositories, func(a, b RepositoryContribution) int {
			return cmp.Compare(a.seq, b.seq)
		})
	}
	slices.SortStableFunc(users, func(a, b UserContribution) int {
		if c := cmp.Compare(b.TotalLOC, a.TotalLOC); c != 0 {
			return c
		}
		if a.firstSeen.less(b.firstSeen) {
			return -1
		}
		if b.firstSeen.less(a.firstSeen) {
			return 1
		}
		return 0
	})

	degradations := append([]Degradation(nil), input.Degradations...)
	slices.SortStableFunc(degradations, func(a, b Degradation) int {
		if c := cmp.Compare(a.Stage, b.Stage); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Page, b.Page); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	metadata := computeMetadata(users)
	metadata.RepositoriesListed = input.RepositoriesListed
	metadata.RepositoriesWithStats = input.RepositoriesWithStats

	return &Result{
		Account:         input.Account,
		Window:          input.Window,
		IncludeForks:    input.IncludeForks,
		IncludeArchived: input.IncludeArchived,
		CollectedAt:     input.CollectedAt.UTC(),
		Users:           users,
		Metadata:        metadata,
		Degradations:    degradations,
	}
}

func computeMetadata(users []UserContribution) Metadata {
	metadata := Metadata{TotalUsers: len(users)}
	repositories := make(map[string]struct{})
	totals := make(stats.Float64Data, 0, len(users))
	for _, user := range users {
		metadata.TotalLOC += user.TotalLOC
		metadata.TotalCommits += user.TotalCommits
		totals = append(totals, float64(user.TotalLOC))
		for _, repo := range user.Repositories {
			repositories[repo.RepositoryFullName] = struct{}{}
		}
	}
	metadata.TotalRepositories = len(repositories)
	metadata.LOCDistribution = distribution(totals)
	return metadata
}

func distribution(totals stats.Float64Data) Distribution {
	if totals.Len() == 0 {
		return Distribution{}
	}
	return Distribution{
		Mean:   finite(totals.Mean()),
		Median: finite(totals.Median()),
		P90:    finite(totals.Percentile(90)),
		Max:    finite(totals.Max()),
	}
}

// finite maps statistics errors and NaN, which small samples can produce, to zero.
func finite(value float64, err error) float64 {
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

// UserSummary is the serialized shape of one user. Exactly one of Repositories
// and RepositoryCount is set, depending on the projection.
type UserSummary struct {
	Username        string                   `json:"username"`
	AvatarURL       string                   `json:"avatarUrl"`
	HTMLURL         string                   `json:"htmlUrl"`
	TotalAdditions  int                      `json:"totalAdditions"`
	TotalDeletions  int                      `json:"totalDeletions"`
	TotalLOC        int                      `json:"totalLoc"`
	TotalCommits    int                      `json:"totalCommits"`
	Repositories    []RepositoryContribution `json:"repositories,omitempty"`
	RepositoryCount *int                     `json:"repositoryCount,omitempty"`
}

// Summary projects the user with the full repository breakdown when detailed
// is true, or with only the repository count otherwise.
func (u UserContribution) Summary(detailed bool) UserSummary {
	summary := UserSummary{
		Username:       u.Username,
		AvatarURL:      u.AvatarURL,
		HTMLURL:        u.HTMLURL,
		TotalAdditions: u.TotalAdditions,
		TotalDeletions: u.TotalDeletions,
		TotalLOC:       u.TotalLOC,
		TotalCommits:   u.TotalCommits,
	}
	if detailed {
		summary.Repositories = u.Repositories
		if summary.Repositories == nil {
			summary.Repositories = []RepositoryContribution{}
		}
		return summary
	}
	count := len(u.Repositories)
	summary.RepositoryCount = &count
	return summary
}

// MarshalJSON always emits repositories as a list for the detailed projection,
// including an empty one, and omits it when RepositoryCount is set.
func (s UserSummary) MarshalJSON() ([]byte, error) {
	type plain UserSummary
	if s.RepositoryCount != nil {
		s.Repositories = nil
		return json.Marshal(plain(s))
	}
	repositories := s.Repositories
	if repositories == nil {
		repositories = []RepositoryContribution{}
	}
	return json.Marshal(struct {
		plain
		Repositories []RepositoryContribution `json:"repositories"`
	}{plain: plain(s), Repositories: repositories})
}

// Report is the serialized shape of a Result.
type Report struct {
	Organization    string        `json:"organization,omitempty"`
	User            string        `json:"user,omitempty"`
	From            time.Time     `json:"from"`
	To              time.Time     `json:"to"`
	IncludeForks    bool          `json:"includeForks"`
	IncludeArchived bool          `json:"includeArchived"`
	CollectedAt     time.Time     `json:"collectedAt"`
	UserSummaries   []UserSummary `json:"userSummaries"`
	Metadata        Metadata      `json:"metadata"`
	Partial         bool          `json:"partial"`
	Degradations    []Degradation `json:"degradations"`
}

// Detailed projects the result with per-repository breakdowns.
func (r *Result) Detailed() Report {
	return r.report(true)
}

// SummaryOnly projects the result with repository counts instead of breakdowns.
func (r *Result) SummaryOnly() Report {
	return r.report(false)
}

func (r *Result) report(detailed bool) Report {
	report := Report{
		From:            r.Window.From,
		To:              r.Window.To,
		IncludeForks:    r.IncludeForks,
		IncludeArchived: r.IncludeArchived,
		CollectedAt:     r.CollectedAt,
		UserSummaries:   make([]UserSummary, 0, len(r.Users)),
		Metadata:        r.Metadata,
		Partial:         r.Partial(),
		Degradations:    r.Degradations,
	}
	if report.Degradations == nil {
		report.Degradations = []Degradation{}
	}
	switch r.Account.Kind {
	case githubapi.AccountUser:
		report.User = r.Account.Login
	default:
		report.Organization = r.Account.Login
	}
	for _, user := range r.Users {
		report.UserSummaries = append(report.UserSummaries, user.Summary(detailed))
	}
	return report
}
