package exporter

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/cam3ron2/github-loc/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operational metric names.
const (
	MetricRunsTotal                 = "gh_loc_runs_total"
	MetricLastRunDurationSeconds    = "gh_loc_last_run_duration_seconds"
	MetricLastRunUnixtime           = "gh_loc_last_run_unixtime"
	MetricRepositoriesListed        = "gh_loc_repositories_listed"
	MetricRepositoriesWithStats     = "gh_loc_repositories_with_stats"
	MetricUsers                     = "gh_loc_users"
	MetricContributorStatsFetches   = "gh_loc_contributor_stats_fetches_total"
	MetricDegradationsTotal         = "gh_loc_degradations_total"
	MetricGitHubRateLimitRemaining  = "gh_loc_github_rate_limit_remaining"
	MetricDependencyHealth          = "gh_loc_dependency_health"
	MetricHTTPRequestsTotal         = "gh_loc_http_requests_total"
	MetricHTTPLastRequestLatencySec = "gh_loc_http_last_request_latency_seconds"
)

var metricHelp = map[string]string{
	MetricRunsTotal:                 "Aggregation runs by scope and result.",
	MetricLastRunDurationSeconds:    "Duration of the last aggregation run.",
	MetricLastRunUnixtime:           "Completion time of the last aggregation run.",
	MetricRepositoriesListed:        "Repositories fetched by the last aggregation run.",
	MetricRepositoriesWithStats:     "Repositories with non-empty contributor stats in the last run.",
	MetricUsers:                     "Users reported by the last aggregation run.",
	MetricContributorStatsFetches:   "Contributor stats fetches by outcome status.",
	MetricDegradationsTotal:         "Units of work that fell back to an empty result.",
	MetricGitHubRateLimitRemaining:  "Last observed GitHub rate-limit budget.",
	MetricDependencyHealth:          "Dependency health, 1 when healthy.",
	MetricHTTPRequestsTotal:         "HTTP API requests by route and status.",
	MetricHTTPLastRequestLatencySec: "Latency of the last HTTP API request per route.",
}

// SnapshotReader reads metric snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context) []store.MetricPoint
}

// NewOpenMetricsHandler returns a handler that renders store snapshots through the Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(reader SnapshotReader) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{reader: reader})

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	for _, point := range c.reader.Snapshot(context.Background()) {
		if point.Name == "" {
			continue
		}

		labelKeys := make([]string, 0, len(point.Labels))
		for key := range point.Labels {
			labelKeys = append(labelKeys, key)
		}
		sort.Strings(labelKeys)

		labelValues := make([]string, 0, len(labelKeys))
		for _, key := range labelKeys {
			labelValues = append(labelValues, point.Labels[key])
		}

		desc := prometheus.NewDesc(point.Name, helpFor(point.Name), labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, valueType(point.Name), point.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}

func helpFor(name string) string {
	if help, ok := metricHelp[name]; ok {
		return help
	}
	return name
}

func valueType(name string) prometheus.ValueType {
	if strings.HasSuffix(name, "_total") {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}
