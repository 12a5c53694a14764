package githubapi

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cam3ron2/github-loc/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github-loc/internal/githubapi"

// ErrAttemptsExhausted is returned when every attempt failed at the transport level.
var ErrAttemptsExhausted = errors.New("request attempts exhausted")

// RetryConfig configures GitHub client retry behavior.
type RetryConfig struct {
	// MaxAttempts counts every attempt, including the first one.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter adds up to this fraction of the computed backoff, in [0, 1].
	Jitter float64
}

// DefaultRetryConfig mirrors the upstream contributor stats guidance: three
// attempts starting at two seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
	}
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	LastStatusCode  int
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Client wraps GitHub HTTP requests with retry and rate-limit controls.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	userAgent  string
	// Sleep is injected for testability. It must return early with ctx.Err()
	// when the context is done.
	Sleep func(ctx context.Context, duration time.Duration) error
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64
}

// NewClient creates a GitHub API client wrapper.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		userAgent:  DefaultUserAgent,
		Sleep:      SleepContext,
		Rand:       rand.Float64,
	}
}

// WithUserAgent overrides the User-Agent header sent on every request.
func (c *Client) WithUserAgent(userAgent string) *Client {
	if userAgent != "" {
		c.userAgent = userAgent
	}
	return c
}

// SleepContext waits for duration or until ctx is done.
func SleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes a request with retry and rate-limit awareness.
//
// Retryable outcomes are HTTP 202, 403, 429, any 5xx and transport errors. When
// attempts run out on a retryable status, the last response is returned with a nil
// error so callers can classify it. Context cancellation is always returned as an error.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx, span := telemetry.StartDependencySpan(
		req.Context(),
		tracerName,
		"githubapi.client.do",
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.URL.EscapedPath()),
		attribute.Int("github.max_attempts", c.retry.MaxAttempts),
	)

	resp, metadata, err := c.do(ctx, req, span)
	if err == nil && resp != nil && isRetryableStatus(resp.StatusCode) {
		telemetry.EndSpan(span, fmt.Errorf("retryable status %d after %d attempts", resp.StatusCode, metadata.Attempts))
	} else {
		telemetry.EndSpan(span, err)
	}
	return resp, metadata, err
}

func (c *Client) do(ctx context.Context, req *http.Request, span trace.Span) (*http.Response, CallMetadata, error) {
	metadata := CallMetadata{}
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		metadata.Attempts = attempt

		nextReq := req.Clone(ctx)
		c.applyDefaultHeaders(nextReq)
		resp, err := c.doer.Do(nextReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, metadata, ctxErr
			}
			span.RecordError(err)
			span.AddEvent("attempt_failed", trace.WithAttributes(
				attribute.Int("github.attempt", attempt),
			))
			if attempt == c.retry.MaxAttempts {
				return nil, metadata, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
			}
			if sleepErr := c.Sleep(ctx, c.backoffForAttempt(attempt)); sleepErr != nil {
				return nil, metadata, sleepErr
			}
			continue
		}
		if resp == nil {
			return nil, metadata, fmt.Errorf("nil response from transport")
		}

		headers := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		decision := c.ratePolicy.Evaluate(headers)
		metadata.LastStatusCode = resp.StatusCode
		metadata.LastRateHeaders = headers
		metadata.LastDecision = decision

		span.AddEvent("attempt_completed", trace.WithAttributes(
			attribute.Int("github.attempt", attempt),
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.Int("github.rate_limit_remaining", headers.Remaining),
			attribute.Int64("github.rate_limit_reset_unix", headers.ResetUnix),
			attribute.Bool("github.rate_limit_allow", decision.Allow),
			attribute.String("github.rate_limit_reason", decision.Reason),
		))

		if !isRetryableStatus(resp.StatusCode) || attempt == c.retry.MaxAttempts {
			return resp, metadata, nil
		}

		closeBody(resp)
		wait := c.backoffForAttempt(attempt)
		if !decision.Allow && decision.WaitFor > wait {
			wait = decision.WaitFor
		}
		if c.retry.MaxBackoff > 0 && wait > c.retry.MaxBackoff {
			wait = c.retry.MaxBackoff
		}
		if sleepErr := c.Sleep(ctx, wait); sleepErr != nil {
			return nil, metadata, sleepErr
		}
	}

	return nil, metadata, ErrAttemptsExhausted
}

func (c *Client) applyDefaultHeaders(req *http.Request) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", acceptHeader)
	}
	if req.Header.Get("X-GitHub-Api-Version") == "" {
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusAccepted, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func (c *Client) backoffForAttempt(attempt int) time.Duration {
	backoff := backoffForAttempt(c.retry, attempt)
	if c.retry.Jitter <= 0 || c.Rand == nil {
		return backoff
	}
	jitter := c.retry.Jitter
	if jitter > 1 {
		jitter = 1
	}
	backoff += time.Duration(float64(backoff) * jitter * c.Rand())
	if c.retry.MaxBackoff > 0 && backoff > c.retry.MaxBackoff {
		return c.retry.MaxBackoff
	}
	return backoff
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			return retry.MaxBackoff
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
