package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/cam3ron2/github-loc/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "github-loc/internal/store"

type redisCommander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HIncrByFloat(ctx context.Context, key, field string, incr float64) *redis.FloatCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
}

// RedisStoreConfig configures the Redis-backed operational metric store.
type RedisStoreConfig struct {
	Namespace string
	Retention time.Duration
	MaxSeries int
}

// RedisStore keeps operational metrics in Redis so every replica serves the same series.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	retention time.Duration
	maxSeries int
}

// RedisClientConfig selects a standalone or sentinel Redis deployment.
type RedisClientConfig struct {
	Mode          string
	Addr          string
	MasterSet     string
	SentinelAddrs []string
	Password      string
	DB            int
}

// NewRedisClient builds a universal client for cfg.
func NewRedisClient(cfg RedisClientConfig) redis.UniversalClient {
	opts := &redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Mode == "sentinel" {
		opts.Addrs = cfg.SentinelAddrs
		opts.MasterName = cfg.MasterSet
	}
	return redis.NewUniversalClient(opts)
}

// NewRedisStore creates a Redis-backed metric store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "github-loc"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		retention: cfg.Retention,
		maxSeries: cfg.MaxSeries,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) (err error) {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	ctx, span := telemetry.StartDependencySpan(ctx, tracerName, "redis.ping")
	defer func() { telemetry.EndSpan(span, err) }()

	return s.client.Ping(ctx).Err()
}

// UpsertMetric sets the value of a series.
func (s *RedisStore) UpsertMetric(ctx context.Context, point MetricPoint) (err error) {
	ctx, span := telemetry.StartDependencySpan(ctx, tracerName, "redis.upsert_metric",
		attribute.String("metric.name", point.Name))
	defer func() { telemetry.EndSpan(span, err) }()

	return s.write(ctx, point, false)
}

// AddMetric adds point.Value to the current value of a series, creating it at zero.
func (s *RedisStore) AddMetric(ctx context.Context, point MetricPoint) (err error) {
	ctx, span := telemetry.StartDependencySpan(ctx, tracerName, "redis.add_metric",
		attribute.String("metric.name", point.Name))
	defer func() { telemetry.EndSpan(span, err) }()

	return s.write(ctx, point, true)
}

func (s *RedisStore) write(ctx context.Context, point MetricPoint, increment bool) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := validatePoint(point); err != nil {
		return err
	}

	seriesID := hashSeriesID(metricKey(point.Name, point.Labels))
	isMember, err := s.client.SIsMember(ctx, s.metricsIndexKey(), seriesID).Result()
	if err != nil {
		return fmt.Errorf("check metric membership: %w", err)
	}
	if !isMember && s.maxSeries > 0 {
		seriesCount, err := s.client.SCard(ctx, s.metricsIndexKey()).Result()
		if err != nil {
			return fmt.Errorf("count metric series: %w", err)
		}
		if seriesCount >= int64(s.maxSeries) {
			return ErrSeriesBudgetExceeded
		}
	}

	labelsJSON, err := json.Marshal(point.Labels)
	if err != nil {
		return fmt.Errorf("marshal metric labels: %w", err)
	}

	fields := map[string]any{
		"name":       point.Name,
		"labels":     string(labelsJSON),
		"updated_at": strconv.FormatInt(point.UpdatedAt.UnixNano(), 10),
	}
	metricKey := s.metricDataKey(seriesID)
	if increment {
		if err := s.client.HIncrByFloat(ctx, metricKey, "value", point.Value).Err(); err != nil {
			return fmt.Errorf("increment metric value: %w", err)
		}
	} else {
		fields["value"] = strconv.FormatFloat(point.Value, 'f', -1, 64)
	}
	if err := s.client.HSet(ctx, metricKey, fields).Err(); err != nil {
		return fmt.Errorf("write metric hash: %w", err)
	}
	if err := s.client.SAdd(ctx, s.metricsIndexKey(), seriesID).Err(); err != nil {
		return fmt.Errorf("index metric series: %w", err)
	}

	if s.retention > 0 {
		expiresAt := point.UpdatedAt.Add(s.retention)
		if err := s.client.ExpireAt(ctx, metricKey, expiresAt).Err(); err != nil {
			return fmt.Errorf("set metric ttl: %w", err)
		}
	}
	return nil
}

// GC removes stale index references whose series keys have already expired.
func (s *RedisStore) GC(ctx context.Context, _ time.Time) {
	if s == nil || s.client == nil {
		return
	}

	seriesIDs, err := s.client.SMembers(ctx, s.metricsIndexKey()).Result()
	if err != nil {
		return
	}

	for _, seriesID := range seriesIDs {
		exists, err := s.client.Exists(ctx, s.metricDataKey(seriesID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			_ = s.client.SRem(ctx, s.metricsIndexKey(), seriesID).Err()
		}
	}
}

// Snapshot returns all currently available metric series from Redis.
func (s *RedisStore) Snapshot(ctx context.Context) []MetricPoint {
	if s == nil || s.client == nil {
		return nil
	}

	seriesIDs, err := s.client.SMembers(ctx, s.metricsIndexKey()).Result()
	if err != nil {
		return nil
	}

	result := make([]MetricPoint, 0, len(seriesIDs))
	for _, seriesID := range seriesIDs {
		fields, err := s.client.HGetAll(ctx, s.metricDataKey(seriesID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		point, ok := decodeMetricPoint(fields)
		if !ok {
			continue
		}
		result = append(result, point)
	}

	sortPoints(result)
	return result
}

func decodeMetricPoint(fields map[string]string) (MetricPoint, bool) {
	name := fields["name"]
	if name == "" {
		return MetricPoint{}, false
	}

	var labels map[string]string
	if err := json.Unmarshal([]byte(fields["labels"]), &labels); err != nil {
		return MetricPoint{}, false
	}

	value, err := strconv.ParseFloat(fields["value"], 64)
	if err != nil {
		return MetricPoint{}, false
	}
	updatedAtNanos, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return MetricPoint{}, false
	}

	return MetricPoint{
		Name:      name,
		Labels:    maps.Clone(labels),
		Value:     value,
		UpdatedAt: time.Unix(0, updatedAtNanos),
	}, true
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) metricsIndexKey() string {
	return s.prefixed("metrics:index")
}

func (s *RedisStore) metricDataKey(seriesID string) string {
	return s.prefixed("metric:" + seriesID)
}

func hashSeriesID(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
