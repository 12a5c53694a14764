package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrSeriesBudgetExceeded is returned when a new series would exceed the store budget.
var ErrSeriesBudgetExceeded = errors.New("max series budget exceeded")

// MetricPoint is a single operational metric sample.
type MetricPoint struct {
	Name      string
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}

type storedMetric struct {
	point MetricPoint
}

// MemoryStore is an in-process operational metric store.
type MemoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	maxSeries int
	metrics   map[string]storedMetric
}

// NewMemoryStore creates a memory store.
func NewMemoryStore(retention time.Duration, maxSeries int) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		maxSeries: maxSeries,
		metrics:   make(map[string]storedMetric),
	}
}

// UpsertMetric sets the value of a series.
func (s *MemoryStore) UpsertMetric(_ context.Context, point MetricPoint) error {
	return s.write(point, false)
}

// AddMetric adds point.Value to the current value of a series, creating it at zero.
func (s *MemoryStore) AddMetric(_ context.Context, point MetricPoint) error {
	return s.write(point, true)
}

func (s *MemoryStore) write(point MetricPoint, increment bool) error {
	if err := validatePoint(point); err != nil {
		return err
	}

	key := metricKey(point.Name, point.Labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.metrics[key]
	if !exists && s.maxSeries > 0 && len(s.metrics) >= s.maxSeries {
		return ErrSeriesBudgetExceeded
	}
	value := point.Value
	if increment && exists {
		value += current.point.Value
	}
	s.metrics[key] = storedMetric{
		point: MetricPoint{
			Name:      point.Name,
			Labels:    maps.Clone(point.Labels),
			Value:     value,
			UpdatedAt: point.UpdatedAt,
		},
	}
	return nil
}

// GC deletes metrics older than the retention window.
func (s *MemoryStore) GC(_ context.Context, now time.Time) {
	if s.retention <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, metric := range s.metrics {
		if now.Sub(metric.point.UpdatedAt) > s.retention {
			delete(s.metrics, key)
		}
	}
}

// Snapshot returns all stored metrics ordered by series key.
func (s *MemoryStore) Snapshot(_ context.Context) []MetricPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MetricPoint, 0, len(s.metrics))
	for _, metric := range s.metrics {
		result = append(result, MetricPoint{
			Name:      metric.point.Name,
			Labels:    maps.Clone(metric.point.Labels),
			Value:     metric.point.Value,
			UpdatedAt: metric.point.UpdatedAt,
		})
	}

	sortPoints(result)
	return result
}

// Ping always succeeds for the memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func validatePoint(point MetricPoint) error {
	if point.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if point.UpdatedAt.IsZero() {
		return fmt.Errorf("metric updated time is required")
	}
	return nil
}

func sortPoints(points []MetricPoint) {
	sort.Slice(points, func(i, j int) bool {
		return metricKey(points[i].Name, points[i].Labels) < metricKey(points[j].Name, points[j].Labels)
	})
}

func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder := strings.Builder{}
	builder.WriteString(name)
	builder.WriteString("|")
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(labels[key])
		builder.WriteString(";")
	}
	return builder.String()
}
