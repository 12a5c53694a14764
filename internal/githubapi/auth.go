package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	BaseTransport  http.RoundTripper
}

// NewInstallationTransport creates a round tripper authenticated as one GitHub App installation.
func NewInstallationTransport(cfg InstallationAuthConfig) (http.RoundTripper, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	return transport, nil
}

// NewStaticTokenTransport creates a round tripper that authenticates with a fixed token.
func NewStaticTokenTransport(token string, base http.RoundTripper) (http.RoundTripper, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("token is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: trimmed}),
		Base:   base,
	}, nil
}

// credentialFallbackTransport sends requests that already carry an Authorization
// header through base and every other request through the default credential.
type credentialFallbackTransport struct {
	base       http.RoundTripper
	credential http.RoundTripper
}

// NewCredentialFallbackTransport keeps caller-supplied tokens intact and falls
// back to credential for anonymous requests. A nil credential returns base.
func NewCredentialFallbackTransport(base, credential http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if credential == nil {
		return base
	}
	return &credentialFallbackTransport{base: base, credential: credential}
}

func (t *credentialFallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}
	return t.credential.RoundTrip(req)
}

// NewHTTPClient builds the HTTP client used for every GitHub call.
func NewHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// RESTClient wraps the go-github REST client.
type RESTClient struct {
	Client *github.Client
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return &RESTClient{Client: client}, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return &RESTClient{Client: client}, nil
}

// RateBucket is one rate-limit bucket.
type RateBucket struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// RateLimitStatus is the rate-limit snapshot for the calling credential.
type RateLimitStatus struct {
	Core   RateBucket `json:"core"`
	Search RateBucket `json:"search"`
}

// RateLimits reads the current rate-limit buckets. A non-empty token overrides
// the client's own credential for this call.
func (c *RESTClient) RateLimits(ctx context.Context, token string) (RateLimitStatus, error) {
	if c == nil || c.Client == nil {
		return RateLimitStatus{}, fmt.Errorf("rest client is not configured")
	}
	client := c.Client
	if trimmed := strings.TrimSpace(token); trimmed != "" {
		client = client.WithAuthToken(trimmed)
	}

	limits, _, err := client.RateLimit.Get(ctx)
	if err != nil {
		return RateLimitStatus{}, fmt.Errorf("get rate limits: %w", err)
	}

	return RateLimitStatus{
		Core:   rateBucket(limits.GetCore()),
		Search: rateBucket(limits.GetSearch()),
	}, nil
}

func rateBucket(rate *github.Rate) RateBucket {
	if rate == nil {
		return RateBucket{}
	}
	return RateBucket{
		Limit:     rate.Limit,
		Remaining: rate.Remaining,
		Reset:     rate.Reset.UTC(),
	}
}
