package loc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/github-loc/internal/githubapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName = "github-loc/internal/loc"

	// DefaultConcurrency bounds concurrent contributor stats fetches.
	DefaultConcurrency = 10
)

// Request describes one aggregation run.
type Request struct {
	Account         githubapi.Account
	Token           string
	Window          Window
	IncludeForks    bool
	IncludeArchived bool
}

// RunReport summarizes a finished run for observers.
type RunReport struct {
	Account  githubapi.Account
	Duration time.Duration
	Err      error
	Result   *Result
	// StatsOutcomes counts contributor stats fetches by outcome status.
	StatsOutcomes map[string]int
	// RateRemaining is the last observed rate-limit budget, -1 when unknown.
	RateRemaining int
}

// RunObserver receives a report after every run, successful or not.
type RunObserver interface {
	ObserveRun(report RunReport)
}

// Options configures a Service.
type Options struct {
	Concurrency int
	Logger      *zap.Logger
	Now         func() time.Time
	Observer    RunObserver
}

// Service runs the listing, fetching and aggregation pipeline.
type Service struct {
	lister      *RepositoryLister
	fetcher     *StatsFetcher
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
	observer    RunObserver
}

// NewService wires a pipeline over the given GitHub clients.
func NewService(pager RepositoryPager, stats StatsClient, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		lister:      NewRepositoryLister(pager, logger),
		fetcher:     NewStatsFetcher(stats, logger),
		concurrency: concurrency,
		logger:      logger,
		now:         now,
		observer:    opts.Observer,
	}
}

// Aggregate collects every author's contributions across the account's
// repositories. Failures of single pages or repositories are recorded as
// degradations on the result. Errors are returned only for invalid requests,
// rejected credentials, an unreachable API and cancellation.
func (s *Service) Aggregate(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, "")
}

// UserResult is the outcome of a single-author aggregation.
type UserResult struct {
	User         UserContribution
	Window       Window
	CollectedAt  time.Time
	Degradations []Degradation
}

// Partial reports whether any unit of work degraded to an empty result.
func (r *UserResult) Partial() bool {
	return len(r.Degradations) > 0
}

// AggregateUser runs the pipeline over the user's own repositories and keeps
// only that author's records. An author without contributions yields a
// zero-valued summary rather than an error.
func (s *Service) AggregateUser(ctx context.Context, req Request, login string) (*UserResult, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, fmt.Errorf("%w: login is required", ErrInvalidAccount)
	}
	req.Account = githubapi.Account{Kind: githubapi.AccountUser, Login: login}

	result, err := s.run(ctx, req, login)
	if err != nil {
		return nil, err
	}

	// The author filter matches logins case-insensitively, so at most one user remains.
	user := UserContribution{Username: login}
	if len(result.Users) > 0 {
		user = result.Users[0]
	}
	return &UserResult{
		User:         user,
		Window:       result.Window,
		CollectedAt:  result.CollectedAt,
		Degradations: result.Degradations,
	}, nil
}

func (s *Service) run(ctx context.Context, req Request, author string) (result *Result, err error) {
	started := s.now()
	report := RunReport{Account: req.Account, RateRemaining: -1}
	defer func() {
		report.Duration = s.now().Sub(started)
		report.Err = err
		report.Result = result
		if s.observer != nil {
			s.observer.ObserveRun(report)
		}
	}()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "loc.aggregate")
	span.SetAttributes(
		attribute.String("github.account", req.Account.String()),
		attribute.Int("loc.concurrency", s.concurrency),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("loc.users", result.Metadata.TotalUsers),
				attribute.Bool("loc.partial", result.Partial()),
			)
		}
		span.End()
	}()

	acc := NewAccumulator(req.Window, author)
	tally := newRunTally()

	repos, listing := s.lister.Repositories(ctx, ListOptions{
		Account:         req.Account,
		Token:           req.Token,
		IncludeForks:    req.IncludeForks,
		IncludeArchived: req.IncludeArchived,
	})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	group, groupCtx := errgroup.WithContext(workerCtx)
	group.SetLimit(s.concurrency)
	for seq, repo := range repos {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			contributors, outcome := s.fetcher.Fetch(groupCtx, repo, req.Token)
			if err := groupCtx.Err(); err != nil {
				return err
			}
			tally.record(seq, repo, outcome, len(contributors) > 0)
			acc.Add(seq, repo, contributors)
			return nil
		})
	}
	if listing.Err != nil {
		cancelWorkers()
	}
	waitErr := group.Wait()

	report.StatsOutcomes, report.RateRemaining = tally.snapshot()

	if listing.Err != nil {
		return nil, listing.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if waitErr != nil {
		return nil, waitErr
	}

	degradations := tally.degradations
	if listing.Degradation != nil {
		degradations = append(degradations, *listing.Degradation)
	}

	result = BuildResult(acc, BuildInput{
		Account:               req.Account,
		Window:                req.Window,
		IncludeForks:          req.IncludeForks,
		IncludeArchived:       req.IncludeArchived,
		CollectedAt:           s.now(),
		RepositoriesListed:    tally.fetched,
		RepositoriesWithStats: tally.withStats,
		Degradations:          degradations,
	})

	s.logger.Info(
		"aggregation completed",
		zap.String("account", req.Account.String()),
		zap.Int("repositories", tally.fetched),
		zap.Int("repositories_with_stats", tally.withStats),
		zap.Int("users", result.Metadata.TotalUsers),
		zap.Int("authors_seen", acc.Len()),
		zap.Int("total_loc", result.Metadata.TotalLOC),
		zap.Bool("partial", result.Partial()),
		zap.Duration("duration", s.now().Sub(started)),
	)
	return result, nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Account.Login) == "" {
		return fmt.Errorf("%w: login is required", ErrInvalidAccount)
	}
	switch req.Account.Kind {
	case githubapi.AccountOrganization, githubapi.AccountUser:
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidAccount, req.Account.Kind)
	}
	if req.Window.From.IsZero() || req.Window.To.IsZero() || req.Window.To.Before(req.Window.From) {
		return fmt.Errorf("%w: from and to must be set with from <= to", ErrInvalidWindow)
	}
	return nil
}

// runTally collects per-repository fetch outcomes from concurrent workers.
type runTally struct {
	mu            sync.Mutex
	fetched       int
	withStats     int
	outcomes      map[string]int
	rateRemaining int
	degradations  []Degradation
}

func newRunTally() *runTally {
	return &runTally{outcomes: make(map[string]int), rateRemaining: -1}
}

func (t *runTally) record(seq int, repo githubapi.Repository, outcome StatsOutcome, hasStats bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fetched++
	if hasStats {
		t.withStats++
	}
	t.outcomes[outcome.Status]++
	if outcome.RateRemaining >= 0 {
		t.rateRemaining = outcome.RateRemaining
	}
	if outcome.Degraded() {
		t.degradations = append(t.degradations, Degradation{
			Stage:      StageContributorStats,
			Repository: repo.FullName,
			Status:     outcome.Status,
			Reason:     outcome.Reason,
			Attempts:   outcome.Attempts,
			seq:        seq,
		})
	}
}

func (t *runTally) snapshot() (map[string]int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcomes := make(map[string]int, len(t.outcomes))
	for status, count := range t.outcomes {
		outcomes[status] = count
	}
	return outcomes, t.rateRemaining
}
