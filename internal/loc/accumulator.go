package loc

import (
	"strings"
	"sync"

	"github.com/cam3ron2/github-loc/internal/githubapi"
)

// UserContribution is one author's accumulated activity across repositories.
type UserContribution struct {
	Username       string
	AvatarURL      string
	HTMLURL        string
	TotalAdditions int
	TotalDeletions int
	TotalLOC       int
	TotalCommits   int
	Repositories   []RepositoryContribution

	firstSeen position
}

// position orders records by repository listing position, then by the record's
// index in that repository's contributor stats.
type position struct {
	repo   int
	record int
}

func (p position) less(other position) bool {
	if p.repo != other.repo {
		return p.repo < other.repo
	}
	return p.record < other.record
}

func (u *UserContribution) add(contribution RepositoryContribution) {
	u.TotalAdditions += contribution.Additions
	u.TotalDeletions += contribution.Deletions
	u.TotalLOC += contribution.LOC
	u.TotalCommits += contribution.Commits
	u.Repositories = append(u.Repositories, contribution)
}

// Accumulator merges per-repository contributions into per-author totals. It
// lives for one aggregation run and is safe for concurrent use.
type Accumulator struct {
	window Window
	author string

	mu    sync.Mutex
	users map[string]*UserContribution
}

// NewAccumulator creates an accumulator for window. When author is non-empty,
// records of every other login are ignored.
func NewAccumulator(window Window, author string) *Accumulator {
	return &Accumulator{
		window: window,
		author: strings.TrimSpace(author),
		users:  make(map[string]*UserContribution),
	}
}

// Add reduces every contributor record of repo, found at listing position seq,
// and merges it under the author's login. The author identity kept is the one
// from the earliest position seen, so the outcome does not depend on the order
// repositories are added in. Zero contributions are not appended.
func (a *Accumulator) Add(seq int, repo githubapi.Repository, contributors []githubapi.Contributor) {
	for index, record := range contributors {
		if record.Author == nil || record.Author.Login == "" {
			continue
		}
		if a.author != "" && !strings.EqualFold(record.Author.Login, a.author) {
			continue
		}

		contribution := Reduce(repo, record, a.window)
		contribution.seq = seq
		a.merge(*record.Author, position{repo: seq, record: index}, contribution)
	}
}

func (a *Accumulator) merge(author githubapi.Author, seen position, contribution RepositoryContribution) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[author.Login]
	if !ok {
		user = &UserContribution{firstSeen: seen}
		setIdentity(user, author)
		a.users[author.Login] = user
	} else if seen.less(user.firstSeen) {
		user.firstSeen = seen
		setIdentity(user, author)
	}

	if contribution.IsZero() {
		return
	}
	user.add(contribution)
}

func setIdentity(user *UserContribution, author githubapi.Author) {
	user.Username = author.Login
	user.AvatarURL = author.AvatarURL
	user.HTMLURL = author.HTMLURL
}

// Users returns copies of every user with at least one contribution.
func (a *Accumulator) Users() []UserContribution {
	a.mu.Lock()
	defer a.mu.Unlock()

	users := make([]UserContribution, 0, len(a.users))
	for _, user := range a.users {
		if len(user.Repositories) == 0 {
			continue
		}
		copied := *user
		copied.Repositories = append([]RepositoryContribution(nil), user.Repositories...)
		users = append(users, copied)
	}
	return users
}

// Len reports how many distinct authors were seen, including those without contributions.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}
