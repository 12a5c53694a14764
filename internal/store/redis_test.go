package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedisClient struct {
	mu        sync.Mutex
	now       time.Time
	pingErr   error
	hashes    map[string]map[string]string
	sets      map[string]map[string]struct{}
	expiresAt map[string]time.Time
}

func newFakeRedisClient(now time.Time) *fakeRedisClient {
	return &fakeRedisClient{
		now:       now,
		hashes:    make(map[string]map[string]string),
		sets:      make(map[string]map[string]struct{}),
		expiresAt: make(map[string]time.Time),
	}
}

func (c *fakeRedisClient) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(duration)
	for key := range c.expiresAt {
		c.purgeIfExpiredLocked(key)
	}
}

func (c *fakeRedisClient) Ping(context.Context) *redis.StatusCmd {
	if c.pingErr != nil {
		return redis.NewStatusResult("", c.pingErr)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (c *fakeRedisClient) SIsMember(_ context.Context, key string, member any) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	_, ok := c.sets[key][fmt.Sprint(member)]
	return redis.NewBoolResult(ok, nil)
}

func (c *fakeRedisClient) SCard(_ context.Context, key string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	return redis.NewIntResult(int64(len(c.sets[key])), nil)
}

func (c *fakeRedisClient) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	if len(values) != 1 {
		return redis.NewIntResult(0, fmt.Errorf("unsupported HSet argument format"))
	}
	fieldMap, ok := values[0].(map[string]any)
	if !ok {
		return redis.NewIntResult(0, fmt.Errorf("unsupported HSet value type"))
	}
	if _, exists := c.hashes[key]; !exists {
		c.hashes[key] = make(map[string]string)
	}

	changed := int64(0)
	for field, value := range fieldMap {
		if _, exists := c.hashes[key][field]; !exists {
			changed++
		}
		c.hashes[key][field] = fmt.Sprint(value)
	}
	return redis.NewIntResult(changed, nil)
}

func (c *fakeRedisClient) HIncrByFloat(_ context.Context, key, field string, incr float64) *redis.FloatCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	if _, exists := c.hashes[key]; !exists {
		c.hashes[key] = make(map[string]string)
	}
	current := 0.0
	if raw, exists := c.hashes[key][field]; exists {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return redis.NewFloatResult(0, err)
		}
		current = parsed
	}
	current += incr
	c.hashes[key][field] = strconv.FormatFloat(current, 'f', -1, 64)
	return redis.NewFloatResult(current, nil)
}

func (c *fakeRedisClient) SAdd(_ context.Context, key string, members ...any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	if _, exists := c.sets[key]; !exists {
		c.sets[key] = make(map[string]struct{})
	}

	added := int64(0)
	for _, member := range members {
		memberKey := fmt.Sprint(member)
		if _, exists := c.sets[key][memberKey]; exists {
			continue
		}
		c.sets[key][memberKey] = struct{}{}
		added++
	}
	return redis.NewIntResult(added, nil)
}

func (c *fakeRedisClient) ExpireAt(_ context.Context, key string, tm time.Time) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.keyExistsLocked(key) {
		return redis.NewBoolResult(false, nil)
	}
	c.expiresAt[key] = tm
	return redis.NewBoolResult(true, nil)
}

func (c *fakeRedisClient) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	members := make([]string, 0, len(c.sets[key]))
	for member := range c.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return redis.NewStringSliceResult(members, nil)
}

func (c *fakeRedisClient) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	if !c.keyExistsLocked(key) {
		return redis.NewMapStringStringResult(map[string]string{}, nil)
	}
	return redis.NewMapStringStringResult(maps.Clone(c.hashes[key]), nil)
}

func (c *fakeRedisClient) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists := int64(0)
	for _, key := range keys {
		c.purgeIfExpiredLocked(key)
		if c.keyExistsLocked(key) {
			exists++
		}
	}
	return redis.NewIntResult(exists, nil)
}

func (c *fakeRedisClient) SRem(_ context.Context, key string, members ...any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeIfExpiredLocked(key)
	set := c.sets[key]
	removed := int64(0)
	for _, member := range members {
		memberKey := fmt.Sprint(member)
		if _, exists := set[memberKey]; !exists {
			continue
		}
		delete(set, memberKey)
		removed++
	}
	if len(set) == 0 {
		delete(c.sets, key)
	}
	return redis.NewIntResult(removed, nil)
}

func (c *fakeRedisClient) keyExistsLocked(key string) bool {
	if _, exists := c.hashes[key]; exists {
		return true
	}
	_, exists := c.sets[key]
	return exists
}

func (c *fakeRedisClient) purgeIfExpiredLocked(key string) {
	expiry, ok := c.expiresAt[key]
	if !ok || c.now.Before(expiry) {
		return
	}

	delete(c.expiresAt, key)
	delete(c.hashes, key)
	delete(c.sets, key)
}

func newRedisStoreForTest(t *testing.T, now time.Time, retention time.Duration, maxSeries int) (*RedisStore, *fakeRedisClient) {
	t.Helper()

	client := newFakeRedisClient(now)
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{
		Namespace: "github-loc-test",
		Retention: retention,
		MaxSeries: maxSeries,
	})
	return store, client
}

func TestRedisStoreWriteValidation(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	store, _ := newRedisStoreForTest(t, now, 24*time.Hour, 100)

	testCases := []struct {
		name    string
		point   MetricPoint
		wantErr bool
	}{
		{name: "valid_point", point: runsPoint("org", "success", 1, now)},
		{name: "metric_name_required", point: MetricPoint{UpdatedAt: now}, wantErr: true},
		{name: "updated_time_required", point: MetricPoint{Name: "gh_loc_runs_total"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := store.UpsertMetric(context.Background(), tc.point)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRedisStoreUninitialized(t *testing.T) {
	t.Parallel()

	var store *RedisStore
	require.Error(t, store.UpsertMetric(context.Background(), runsPoint("org", "success", 1, time.Now())))
	require.Error(t, store.Ping(context.Background()))
	assert.Nil(t, store.Snapshot(context.Background()))
	require.NoError(t, store.Close())
}

func TestRedisStoreUpsertAndAdd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1739836800, 0)
	store, _ := newRedisStoreForTest(t, now, 24*time.Hour, 100)

	require.NoError(t, store.AddMetric(ctx, runsPoint("org", "success", 1, now)))
	require.NoError(t, store.AddMetric(ctx, runsPoint("org", "success", 2, now.Add(time.Minute))))
	require.NoError(t, store.UpsertMetric(ctx, runsPoint("user", "error", 7, now)))
	require.NoError(t, store.UpsertMetric(ctx, runsPoint("user", "error", 4, now)))

	// Series are ordered by their sorted label set, so result=error sorts first.
	snapshot := store.Snapshot(ctx)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "user", snapshot[0].Labels["scope"])
	assert.Equal(t, 4.0, snapshot[0].Value)
	assert.Equal(t, "org", snapshot[1].Labels["scope"])
	assert.Equal(t, 3.0, snapshot[1].Value)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), snapshot[1].UpdatedAt.UnixNano())
}

func TestRedisStoreMaxSeriesBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1739836800, 0)
	store, _ := newRedisStoreForTest(t, now, 24*time.Hour, 1)

	require.NoError(t, store.UpsertMetric(ctx, runsPoint("org", "success", 1, now)))
	require.NoError(t, store.UpsertMetric(ctx, runsPoint("org", "success", 2, now)))

	err := store.UpsertMetric(ctx, runsPoint("user", "success", 1, now))
	require.ErrorIs(t, err, ErrSeriesBudgetExceeded)
}

func TestRedisStoreSnapshotAndGC(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1739836800, 0)
	store, client := newRedisStoreForTest(t, now, time.Hour, 100)

	require.NoError(t, store.UpsertMetric(ctx, runsPoint("org", "success", 10, now)))
	require.NoError(t, store.UpsertMetric(ctx, runsPoint("user", "success", 5, now)))
	require.Len(t, store.Snapshot(ctx), 2)

	client.Advance(2 * time.Hour)
	store.GC(ctx, now.Add(2*time.Hour))

	assert.Empty(t, store.Snapshot(ctx))
	indexCount, err := client.SCard(ctx, store.metricsIndexKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, indexCount)
}

func TestRedisStoreSkipsUndecodableSeries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1739836800, 0)
	store, client := newRedisStoreForTest(t, now, 0, 0)

	require.NoError(t, store.UpsertMetric(ctx, runsPoint("org", "success", 1, now)))
	client.SAdd(ctx, store.metricsIndexKey(), "broken")
	client.HSet(ctx, store.metricDataKey("broken"), map[string]any{"name": "x", "labels": "{", "value": "1"})

	snapshot := store.Snapshot(ctx)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "gh_loc_runs_total", snapshot[0].Name)
}

func TestRedisStorePing(t *testing.T) {
	t.Parallel()

	store, client := newRedisStoreForTest(t, time.Unix(1739836800, 0), 0, 0)
	require.NoError(t, store.Ping(context.Background()))

	client.pingErr = errors.New("connection refused")
	require.Error(t, store.Ping(context.Background()))
}

func TestNewRedisClientModes(t *testing.T) {
	t.Parallel()

	standalone := NewRedisClient(RedisClientConfig{Mode: "standalone", Addr: "localhost:6379"})
	t.Cleanup(func() { _ = standalone.Close() })
	_, isClient := standalone.(*redis.Client)
	assert.True(t, isClient)

	sentinel := NewRedisClient(RedisClientConfig{
		Mode:          "sentinel",
		MasterSet:     "mymaster",
		SentinelAddrs: []string{"sentinel-a:26379", "sentinel-b:26379"},
	})
	t.Cleanup(func() { _ = sentinel.Close() })
	_, isFailover := sentinel.(*redis.Client)
	assert.True(t, isFailover)
}
