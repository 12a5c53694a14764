package loc

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/cam3ron2/github-loc/internal/githubapi"
	"go.uber.org/zap"
)

// RepositoryPager reads one page of an account's repositories.
type RepositoryPager interface {
	ListRepositoriesPage(ctx context.Context, account githubapi.Account, token string, page int) (githubapi.RepositoryPage, error)
}

// ListOptions selects whose repositories are listed and which ones are kept.
type ListOptions struct {
	Account         githubapi.Account
	Token           string
	IncludeForks    bool
	IncludeArchived bool
}

// Listing reports how a repository sequence ended. It is complete once the
// sequence has been fully consumed.
type Listing struct {
	Pages    int
	Listed   int
	Filtered int
	// Degradation is set when a page failure truncated the listing.
	Degradation *Degradation
	// Err is set when the listing failed in a way the whole run must surface.
	Err error
}

// RepositoryLister pages through an account's repositories in order.
type RepositoryLister struct {
	pager  RepositoryPager
	logger *zap.Logger
}

// NewRepositoryLister creates a lister over pager.
func NewRepositoryLister(pager RepositoryPager, logger *zap.Logger) *RepositoryLister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RepositoryLister{pager: pager, logger: logger}
}

// Repositories returns a lazy sequence of the account's repositories keyed by
// their position among emitted repositories. Pages are fetched one at a time
// starting at page 1 until a page returns no items. Forks and archived
// repositories are dropped unless requested. Ranging over the sequence again
// restarts the listing from page 1 and resets the report.
func (l *RepositoryLister) Repositories(ctx context.Context, opts ListOptions) (iter.Seq2[int, githubapi.Repository], *Listing) {
	listing := &Listing{}
	seq := func(yield func(int, githubapi.Repository) bool) {
		*listing = Listing{}
		position := 0
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				listing.Err = err
				return
			}

			result, err := l.pager.ListRepositoriesPage(ctx, opts.Account, opts.Token, page)
			if err != nil {
				l.pageFailed(ctx, listing, page, result, err)
				return
			}
			if result.Status == githubapi.EndpointStatusUnauthorized {
				listing.Err = fmt.Errorf("%w: listing %s page %d", ErrUnauthorized, opts.Account, page)
				return
			}
			if result.Status != githubapi.EndpointStatusOK {
				l.truncate(listing, page, string(result.Status), fmt.Sprintf("http status %d", result.StatusCode), result.Metadata.Attempts)
				return
			}

			listing.Pages = page
			if len(result.Repositories) == 0 {
				return
			}
			listing.Listed += len(result.Repositories)

			kept := keepRepositories(result.Repositories, opts)
			listing.Filtered += len(result.Repositories) - len(kept)
			l.logger.Debug(
				"listed repository page",
				zap.String("account", opts.Account.String()),
				zap.Int("page", page),
				zap.Int("repos", len(result.Repositories)),
				zap.Int("kept", len(kept)),
			)

			for _, repo := range kept {
				if !yield(position, repo) {
					return
				}
				position++
			}
		}
	}
	return seq, listing
}

func (l *RepositoryLister) pageFailed(ctx context.Context, listing *Listing, page int, result githubapi.RepositoryPage, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		listing.Err = ctxErr
		return
	}
	if page == 1 && !errors.Is(err, githubapi.ErrDecodeResponse) {
		listing.Err = fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
		return
	}
	l.truncate(listing, page, "error", err.Error(), result.Metadata.Attempts)
}

func (l *RepositoryLister) truncate(listing *Listing, page int, status, reason string, attempts int) {
	listing.Degradation = &Degradation{
		Stage:    StageListing,
		Page:     page,
		Status:   status,
		Reason:   reason,
		Attempts: attempts,
	}
	l.logger.Warn(
		"repository listing truncated",
		zap.Int("page", page),
		zap.String("status", status),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
	)
}

func keepRepositories(repos []githubapi.Repository, opts ListOptions) []githubapi.Repository {
	kept := make([]githubapi.Repository, 0, len(repos))
	for _, repo := range repos {
		if repo.Fork && !opts.IncludeForks {
			continue
		}
		if repo.Archived && !opts.IncludeArchived {
			continue
		}
		kept = append(kept, repo)
	}
	return kept
}
