package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cam3ron2/github-loc/internal/config"
	"github.com/cam3ron2/github-loc/internal/exporter"
	"github.com/cam3ron2/github-loc/internal/health"
	"github.com/cam3ron2/github-loc/internal/loc"
	"github.com/cam3ron2/github-loc/internal/store"
	"go.uber.org/zap"
)

const metricWriteTimeout = 2 * time.Second

type runtimeStore interface {
	UpsertMetric(ctx context.Context, point store.MetricPoint) error
	AddMetric(ctx context.Context, point store.MetricPoint) error
	Snapshot(ctx context.Context) []store.MetricPoint
	GC(ctx context.Context, now time.Time)
	Ping(ctx context.Context) error
	Close() error
}

// runtimeDeps are the collaborators a Runtime is assembled from.
type runtimeDeps struct {
	store             runtimeStore
	pager             loc.RepositoryPager
	stats             loc.StatsClient
	rateLimits        RateLimitReader
	defaultCredential bool
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg       *config.Config
	store     runtimeStore
	service   *loc.Service
	api       *APIHandler
	evaluator *health.StatusEvaluator
	tracker   *health.Tracker
	logger    *zap.Logger

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime builds the GitHub clients and metric store described by cfg.
func NewRuntime(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	backends, err := newGitHubBackends(cfg, nil)
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg, runtimeDeps{
		store:             newRuntimeStore(cfg, logger),
		pager:             backends.data,
		stats:             backends.data,
		rateLimits:        backends.rest,
		defaultCredential: backends.defaultCredential,
	}, logger), nil
}

func newRuntime(cfg *config.Config, deps runtimeDeps, logger *zap.Logger) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		store:     deps.store,
		evaluator: health.NewStatusEvaluator(),
		tracker: health.NewTracker(health.TrackerConfig{
			FailureThreshold: cfg.Health.GitHubUnhealthyFailureThreshold,
			RecoverThreshold: cfg.Health.GitHubRecoverSuccessThreshold,
			Cooldown:         cfg.Health.GitHubUnhealthyCooldown,
		}),
		logger: logger,
		Now:    time.Now,
	}
	r.service = loc.NewService(deps.pager, deps.stats, loc.Options{
		Concurrency: cfg.Aggregation.Concurrency,
		Logger:      logger,
		Observer:    r,
	})
	r.api = NewAPIHandler(r.service, deps.rateLimits, APIOptions{
		Logger:            logger,
		RequestTimeout:    cfg.Server.RequestTimeout,
		DefaultCredential: deps.defaultCredential,
		Gate:              r.tracker,
		Now:               func() time.Time { return r.Now() },
	})
	return r
}

// Service exposes the aggregation pipeline.
func (r *Runtime) Service() *loc.Service {
	return r.service
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(HTTPHandlers{
		API:      r.api,
		Metrics:  exporter.NewOpenMetricsHandler(r.store),
		Health:   health.NewHandler(r),
		Logger:   r.logger,
		Observer: r,
	})
}

// Close releases the metric store.
func (r *Runtime) Close() error {
	return r.store.Close()
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	cooldown, _ := r.tracker.RetryAfter(r.Now())
	return r.evaluator.Evaluate(health.Input{
		StoreHealthy:       r.store.Ping(ctx) == nil,
		GitHubClientUsable: r.service != nil,
		GitHubHealthy:      r.tracker.Healthy(),
		GitHubCooldown:     cooldown,
	})
}

// RunMaintenance expires old metric series and refreshes dependency health
// metrics every interval until ctx is done.
func (r *Runtime) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maintain(ctx)
		}
	}
}

func (r *Runtime) maintain(ctx context.Context) {
	now := r.Now()
	r.store.GC(ctx, now)
	r.recordDependencyHealthMetrics(ctx, now)
}

// ObserveRun records operational metrics for a finished aggregation and feeds
// the GitHub health tracker.
func (r *Runtime) ObserveRun(report loc.RunReport) {
	ctx, cancel := context.WithTimeout(context.Background(), metricWriteTimeout)
	defer cancel()

	now := r.Now()
	scope := string(report.Account.Kind)
	result := runResult(report)

	r.addMetricBestEffort(ctx, now, exporter.MetricRunsTotal, 1, map[string]string{"scope": scope, "result": result})
	r.upsertMetricBestEffort(ctx, now, exporter.MetricLastRunDurationSeconds, report.Duration.Seconds(), map[string]string{"scope": scope})
	r.upsertMetricBestEffort(ctx, now, exporter.MetricLastRunUnixtime, float64(now.Unix()), map[string]string{"scope": scope})

	for status, count := range report.StatsOutcomes {
		r.addMetricBestEffort(ctx, now, exporter.MetricContributorStatsFetches, float64(count), map[string]string{"status": status})
	}
	if report.RateRemaining >= 0 {
		r.upsertMetricBestEffort(ctx, now, exporter.MetricGitHubRateLimitRemaining, float64(report.RateRemaining), nil)
	}
	if report.Result != nil {
		metadata := report.Result.Metadata
		r.upsertMetricBestEffort(ctx, now, exporter.MetricRepositoriesListed, float64(metadata.RepositoriesListed), map[string]string{"scope": scope})
		r.upsertMetricBestEffort(ctx, now, exporter.MetricRepositoriesWithStats, float64(metadata.RepositoriesWithStats), map[string]string{"scope": scope})
		r.upsertMetricBestEffort(ctx, now, exporter.MetricUsers, float64(metadata.TotalUsers), map[string]string{"scope": scope})
		for _, degradation := range report.Result.Degradations {
			r.addMetricBestEffort(ctx, now, exporter.MetricDegradationsTotal, 1, map[string]string{"stage": degradation.Stage})
		}
	}

	switch {
	case report.Err == nil:
		r.tracker.Record(now, true)
	case errors.Is(report.Err, loc.ErrUpstreamUnreachable):
		r.tracker.Record(now, false)
		if !r.tracker.Healthy() {
			r.logger.Warn("github marked unhealthy", zap.Error(report.Err))
		}
	}
	r.recordDependencyHealthMetrics(ctx, now)
}

// ObserveRequest records per-route HTTP metrics.
func (r *Runtime) ObserveRequest(route string, status int, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), metricWriteTimeout)
	defer cancel()

	now := r.Now()
	r.addMetricBestEffort(ctx, now, exporter.MetricHTTPRequestsTotal, 1, map[string]string{
		"route":  route,
		"status": strconv.Itoa(status),
	})
	r.upsertMetricBestEffort(ctx, now, exporter.MetricHTTPLastRequestLatencySec, latency.Seconds(), map[string]string{"route": route})
}

func runResult(report loc.RunReport) string {
	switch {
	case report.Err == nil && report.Result != nil && report.Result.Partial():
		return "partial"
	case report.Err == nil:
		return "success"
	case errors.Is(report.Err, loc.ErrInvalidWindow), errors.Is(report.Err, loc.ErrInvalidAccount):
		return "invalid"
	case errors.Is(report.Err, loc.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(report.Err, loc.ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(report.Err, context.Canceled), errors.Is(report.Err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func (r *Runtime) recordDependencyHealthMetrics(ctx context.Context, now time.Time) {
	components := map[string]bool{
		"store":  r.store.Ping(ctx) == nil,
		"github": r.tracker.Healthy(),
	}
	for dependency, healthy := range components {
		value := 0.0
		if healthy {
			value = 1
		}
		r.upsertMetricBestEffort(ctx, now, exporter.MetricDependencyHealth, value, map[string]string{"dependency": dependency})
	}
}

func (r *Runtime) upsertMetricBestEffort(ctx context.Context, now time.Time, name string, value float64, labels map[string]string) {
	err := r.store.UpsertMetric(ctx, store.MetricPoint{Name: name, Labels: labels, Value: value, UpdatedAt: now})
	if err != nil {
		r.logger.Warn("failed to persist operational metric", zap.String("metric", name), zap.Error(err))
	}
}

func (r *Runtime) addMetricBestEffort(ctx context.Context, now time.Time, name string, value float64, labels map[string]string) {
	err := r.store.AddMetric(ctx, store.MetricPoint{Name: name, Labels: labels, Value: value, UpdatedAt: now})
	if err != nil {
		r.logger.Warn("failed to persist operational metric", zap.String("metric", name), zap.Error(err))
	}
}
