package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/github-loc/internal/config"
	"github.com/cam3ron2/github-loc/internal/githubapi"
	"github.com/cam3ron2/github-loc/internal/store"
	"go.uber.org/zap"
)

// githubBackends are the GitHub clients a runtime aggregates through.
type githubBackends struct {
	data              *githubapi.DataClient
	rest              *githubapi.RESTClient
	defaultCredential bool
}

func newRuntimeStore(cfg *config.Config, logger *zap.Logger) runtimeStore {
	retention := cfg.Store.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	maxSeries := cfg.Store.MaxSeriesBudget
	if maxSeries <= 0 {
		maxSeries = 100_000
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "redis") {
		redisStore, err := newRedisStoreFromConfig(cfg, retention, maxSeries)
		if err != nil {
			logger.Warn("failed to initialize redis store; falling back to in-memory store", zap.Error(err))
		} else {
			return redisStore
		}
	}
	return store.NewMemoryStore(retention, maxSeries)
}

func newRedisStoreFromConfig(cfg *config.Config, retention time.Duration, maxSeries int) (*store.RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	redisClient := store.NewRedisClient(store.RedisClientConfig{
		Mode:          strings.ToLower(strings.TrimSpace(cfg.Store.RedisMode)),
		Addr:          cfg.Store.RedisAddr,
		MasterSet:     cfg.Store.RedisMasterSet,
		SentinelAddrs: cfg.Store.RedisSentinelAddrs,
		Password:      cfg.Store.RedisPassword,
		DB:            cfg.Store.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisStore(redisClient, store.RedisStoreConfig{
		Namespace: "github-loc",
		Retention: retention,
		MaxSeries: maxSeries,
	}), nil
}

// newGitHubBackends builds the outbound GitHub stack: an optional server
// credential behind the caller-token fallback transport, the retrying request
// client and the typed data and REST clients on top of it.
func newGitHubBackends(cfg *config.Config, base http.RoundTripper) (*githubBackends, error) {
	if base == nil {
		base = http.DefaultTransport
	}

	credential, err := newCredentialTransport(cfg.GitHub, base)
	if err != nil {
		return nil, err
	}
	httpClient := githubapi.NewHTTPClient(
		githubapi.NewCredentialFallbackTransport(base, credential),
		cfg.GitHub.RequestTimeout,
	)

	requestClient := githubapi.NewClient(httpClient, githubapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Jitter:         cfg.Retry.Jitter,
	}, rateLimitPolicy(cfg.RateLimit)).WithUserAgent(cfg.GitHub.UserAgent)

	dataClient, err := githubapi.NewDataClient(cfg.GitHub.APIBaseURL, requestClient)
	if err != nil {
		return nil, fmt.Errorf("create github data client: %w", err)
	}
	restClient, err := githubapi.NewGitHubRESTClient(httpClient, cfg.GitHub.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("create github rest client: %w", err)
	}

	return &githubBackends{
		data:              dataClient,
		rest:              restClient,
		defaultCredential: credential != nil,
	}, nil
}

// rateLimitPolicy overlays the configured rate-limit controls on the client
// defaults. Unset durations keep the default.
func rateLimitPolicy(cfg config.RateLimitConfig) githubapi.RateLimitPolicy {
	policy := githubapi.DefaultRateLimitPolicy()
	policy.MinRemainingThreshold = cfg.MinRemainingThreshold
	if cfg.MinResetBuffer > 0 {
		policy.MinResetBuffer = cfg.MinResetBuffer
	}
	if cfg.SecondaryLimitBackoff > 0 {
		policy.SecondaryLimitBackoff = cfg.SecondaryLimitBackoff
	}
	return policy
}

func newCredentialTransport(cfg config.GitHubConfig, base http.RoundTripper) (http.RoundTripper, error) {
	if cfg.App.Enabled() {
		transport, err := githubapi.NewInstallationTransport(githubapi.InstallationAuthConfig{
			AppID:          cfg.App.AppID,
			InstallationID: cfg.App.InstallationID,
			PrivateKeyPath: cfg.App.PrivateKeyPath,
			BaseTransport:  base,
		})
		if err != nil {
			return nil, fmt.Errorf("configure github app credential: %w", err)
		}
		return transport, nil
	}
	if strings.TrimSpace(cfg.Token) != "" {
		return githubapi.NewStaticTokenTransport(cfg.Token, base)
	}
	return nil, nil
}
