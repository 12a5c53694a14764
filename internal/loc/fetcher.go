package loc

import (
	"context"
	"fmt"

	"github.com/cam3ron2/github-loc/internal/githubapi"
	"go.uber.org/zap"
)

// StatsClient reads contributor stats for one repository.
type StatsClient interface {
	GetContributorStats(ctx context.Context, owner, repo, token string) (githubapi.ContributorStatsResult, error)
}

// StatsOutcome describes how a contributor stats fetch ended.
type StatsOutcome struct {
	// Status is the endpoint status, or "error" for transport and decode failures.
	Status   string
	Attempts int
	// Reason is empty unless the fetch degraded to an empty result.
	Reason string
	// Anonymous counts skipped records without an author.
	Anonymous int
	// RateRemaining is the last observed rate-limit budget, -1 when unknown.
	RateRemaining int
}

// Degraded reports whether the fetch fell back to an empty result.
func (o StatsOutcome) Degraded() bool {
	return o.Reason != ""
}

const outcomeError = "error"

// StatsFetcher reads contributor stats and absorbs every failure into an empty result.
type StatsFetcher struct {
	client StatsClient
	logger *zap.Logger
}

// NewStatsFetcher creates a fetcher over client.
func NewStatsFetcher(client StatsClient, logger *zap.Logger) *StatsFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsFetcher{client: client, logger: logger}
}

// Fetch returns the attributed contributor records for repo. Retries happen in
// the underlying client; anything still failing afterwards yields an empty list
// and a degraded outcome. Records without an author are skipped.
func (f *StatsFetcher) Fetch(ctx context.Context, repo githubapi.Repository, token string) ([]githubapi.Contributor, StatsOutcome) {
	result, err := f.client.GetContributorStats(ctx, repo.Owner, repo.Name, token)
	outcome := StatsOutcome{
		Status:        string(result.Status),
		Attempts:      result.Metadata.Attempts,
		RateRemaining: -1,
	}
	if result.Metadata.LastRateHeaders.Present {
		outcome.RateRemaining = result.Metadata.LastRateHeaders.Remaining
	}

	if err != nil {
		outcome.Status = outcomeError
		outcome.Reason = err.Error()
		if ctx.Err() == nil {
			f.logger.Warn(
				"contributor stats failed",
				zap.String("repo", repo.FullName),
				zap.Int("attempts", outcome.Attempts),
				zap.Error(err),
			)
		}
		return nil, outcome
	}

	if result.Status != githubapi.EndpointStatusOK {
		outcome.Reason = fmt.Sprintf("http status %d", result.StatusCode)
		if result.Status == githubapi.EndpointStatusAccepted {
			outcome.Reason = "statistics still computing after retries"
		}
		f.logger.Warn(
			"contributor stats unavailable",
			zap.String("repo", repo.FullName),
			zap.String("status", outcome.Status),
			zap.Int("status_code", result.StatusCode),
			zap.Int("attempts", outcome.Attempts),
		)
		return nil, outcome
	}

	contributors := make([]githubapi.Contributor, 0, len(result.Contributors))
	for _, contributor := range result.Contributors {
		if contributor.Author == nil || contributor.Author.Login == "" {
			outcome.Anonymous++
			continue
		}
		contributors = append(contributors, contributor)
	}
	if outcome.Anonymous > 0 {
		f.logger.Warn(
			"skipped contributor records without author",
			zap.String("repo", repo.FullName),
			zap.Int("records", outcome.Anonymous),
		)
	}
	return contributors, outcome
}
