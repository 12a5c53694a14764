package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	acceptHeader            = "application/vnd.github+json"
	apiVersion              = "2022-11-28"

	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "github-loc/1.0"
	// RepositoryPageSize is the fixed page size for repository listings.
	RepositoryPageSize = 100
)

// ErrDecodeResponse wraps JSON decoding failures of a 2xx response body.
var ErrDecodeResponse = errors.New("decode github response")

// EndpointStatus represents a normalized GitHub API endpoint outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusAccepted indicates GitHub accepted the request and is still computing results.
	EndpointStatusAccepted EndpointStatus = "accepted"
	// EndpointStatusUnauthorized indicates missing or invalid credentials.
	EndpointStatusUnauthorized EndpointStatus = "unauthorized"
	// EndpointStatusForbidden indicates restricted access or an exhausted rate limit.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusConflict indicates a state conflict, like unsupported stats on empty repositories.
	EndpointStatusConflict EndpointStatus = "conflict"
	// EndpointStatusUnprocessable indicates request validation/processing failure.
	EndpointStatusUnprocessable EndpointStatus = "unprocessable"
	// EndpointStatusRateLimited indicates HTTP 429.
	EndpointStatusRateLimited EndpointStatus = "rate_limited"
	// EndpointStatusUnavailable indicates a temporary service-side failure.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusUnknown indicates an unclassified non-success status.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

// AccountKind selects the repository listing endpoint.
type AccountKind string

const (
	// AccountOrganization lists through /orgs/{login}/repos.
	AccountOrganization AccountKind = "org"
	// AccountUser lists through /users/{login}/repos.
	AccountUser AccountKind = "user"
)

// Account identifies whose repositories are listed.
type Account struct {
	Kind  AccountKind
	Login string
}

func (a Account) String() string {
	return string(a.Kind) + "/" + a.Login
}

// Repository is one GitHub repository.
type Repository struct {
	Name     string
	FullName string
	Owner    string
	CloneURL string
	HTMLURL  string
	Fork     bool
	Archived bool
	Disabled bool
}

// RepositoryPage is one page of a repository listing.
type RepositoryPage struct {
	Page         int
	Status       EndpointStatus
	StatusCode   int
	Repositories []Repository
	Metadata     CallMetadata
}

// Author is the identity GitHub attaches to a contributor entry.
type Author struct {
	Login     string
	AvatarURL string
	HTMLURL   string
}

// ContributorWeek is one weekly bucket of contributor stats. Week is the bucket
// start in unix seconds.
type ContributorWeek struct {
	Week      int64
	Additions int
	Deletions int
	Commits   int
}

// Start returns the week start in UTC.
func (w ContributorWeek) Start() time.Time {
	return time.Unix(w.Week, 0).UTC()
}

// Contributor is one contributor's weekly stats in a repository. Author is nil
// when GitHub could not attribute the commits to an account.
type Contributor struct {
	Author *Author
	Total  int
	Weeks  []ContributorWeek
}

// ContributorStatsResult is the typed result for `/stats/contributors`.
type ContributorStatsResult struct {
	Status       EndpointStatus
	StatusCode   int
	Contributors []Contributor
	Metadata     CallMetadata
}

// DataClient is a typed GitHub REST client for repository listings and contributor stats.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
}

// NewDataClient creates a typed data client over the generic retry/rate-limit request client.
func NewDataClient(baseURL string, requestClient *Client) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
	}, nil
}

// ListRepositoriesPage reads one page of an account's repositories, most recently
// updated first. A non-2xx outcome is reported through Status with a nil error;
// errors are returned for transport failures, cancellation and undecodable bodies.
func (c *DataClient) ListRepositoriesPage(ctx context.Context, account Account, token string, page int) (RepositoryPage, error) {
	login := strings.TrimSpace(account.Login)
	if login == "" {
		return RepositoryPage{}, fmt.Errorf("account login is required")
	}
	if page < 1 {
		return RepositoryPage{}, fmt.Errorf("page must be >= 1")
	}

	var collection string
	switch account.Kind {
	case AccountOrganization:
		collection = "orgs"
	case AccountUser:
		collection = "users"
	default:
		return RepositoryPage{}, fmt.Errorf("unsupported account kind %q", account.Kind)
	}

	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(reqURL.Path, collection, url.PathEscape(login), "repos")
	query := reqURL.Query()
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(RepositoryPageSize))
	query.Set("sort", "updated")
	query.Set("direction", "desc")
	reqURL.RawQuery = query.Encode()

	req, err := newRequest(ctx, reqURL, token)
	if err != nil {
		return RepositoryPage{}, fmt.Errorf("build list repositories request: %w", err)
	}

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return RepositoryPage{Page: page, Metadata: metadata}, fmt.Errorf("list repositories page %d: %w", page, err)
	}

	result := RepositoryPage{
		Page:       page,
		Status:     endpointStatusFromHTTP(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Metadata:   metadata,
	}
	if result.Status != EndpointStatusOK {
		closeBody(resp)
		return result, nil
	}

	var payload []repositoryPayload
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		return result, fmt.Errorf("%w: list repositories page %d: %w", ErrDecodeResponse, page, err)
	}
	result.Repositories = make([]Repository, 0, len(payload))
	for _, repo := range payload {
		result.Repositories = append(result.Repositories, repo.toRepository())
	}
	return result, nil
}

// GetContributorStats reads contributor weekly stats for one repository. HTTP 204
// (empty repository) is a successful empty result.
func (c *DataClient) GetContributorStats(ctx context.Context, owner, repo, token string) (ContributorStatsResult, error) {
	trimmedOwner := strings.TrimSpace(owner)
	trimmedRepo := strings.TrimSpace(repo)
	if trimmedOwner == "" {
		return ContributorStatsResult{}, fmt.Errorf("owner is required")
	}
	if trimmedRepo == "" {
		return ContributorStatsResult{}, fmt.Errorf("repo is required")
	}

	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(
		reqURL.Path,
		"repos",
		url.PathEscape(trimmedOwner),
		url.PathEscape(trimmedRepo),
		"stats",
		"contributors",
	)

	req, err := newRequest(ctx, reqURL, token)
	if err != nil {
		return ContributorStatsResult{}, fmt.Errorf("build contributor stats request: %w", err)
	}

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return ContributorStatsResult{Metadata: metadata}, fmt.Errorf("contributor stats request failed: %w", err)
	}

	result := ContributorStatsResult{
		Status:     endpointStatusFromHTTP(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Metadata:   metadata,
	}
	if result.Status != EndpointStatusOK || resp.StatusCode == http.StatusNoContent {
		closeBody(resp)
		return result, nil
	}

	var payload []contributorStatsPayload
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		return result, fmt.Errorf("%w: contributor stats: %w", ErrDecodeResponse, err)
	}
	result.Contributors = make([]Contributor, 0, len(payload))
	for _, contributor := range payload {
		result.Contributors = append(result.Contributors, contributor.toContributor())
	}
	return result, nil
}

func newRequest(ctx context.Context, reqURL *url.URL, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(token); trimmed != "" {
		req.Header.Set("Authorization", "Bearer "+trimmed)
	}
	return req, nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *DataClient) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

func endpointStatusFromHTTP(statusCode int) EndpointStatus {
	switch statusCode {
	case http.StatusAccepted:
		return EndpointStatusAccepted
	case http.StatusUnauthorized:
		return EndpointStatusUnauthorized
	case http.StatusForbidden:
		return EndpointStatusForbidden
	case http.StatusNotFound:
		return EndpointStatusNotFound
	case http.StatusConflict:
		return EndpointStatusConflict
	case http.StatusUnprocessableEntity:
		return EndpointStatusUnprocessable
	case http.StatusTooManyRequests:
		return EndpointStatusRateLimited
	}
	if statusCode >= 200 && statusCode <= 299 {
		return EndpointStatusOK
	}
	if statusCode >= 500 {
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

type repositoryPayload struct {
	Name     string       `json:"name"`
	FullName string       `json:"full_name"`
	CloneURL string       `json:"clone_url"`
	HTMLURL  string       `json:"html_url"`
	Archived bool         `json:"archived"`
	Disabled bool         `json:"disabled"`
	Fork     bool         `json:"fork"`
	Owner    *userPayload `json:"owner"`
}

func (p repositoryPayload) toRepository() Repository {
	repo := Repository{
		Name:     p.Name,
		FullName: p.FullName,
		CloneURL: p.CloneURL,
		HTMLURL:  p.HTMLURL,
		Fork:     p.Fork,
		Archived: p.Archived,
		Disabled: p.Disabled,
	}
	if p.Owner != nil {
		repo.Owner = p.Owner.Login
	}
	if repo.Owner == "" {
		if owner, _, ok := strings.Cut(p.FullName, "/"); ok {
			repo.Owner = owner
		}
	}
	return repo
}

type contributorStatsPayload struct {
	Total  int                  `json:"total"`
	Author *userPayload         `json:"author"`
	Weeks  []contributorWeekDTO `json:"weeks"`
}

func (p contributorStatsPayload) toContributor() Contributor {
	contributor := Contributor{
		Total: p.Total,
		Weeks: make([]ContributorWeek, 0, len(p.Weeks)),
	}
	if p.Author != nil && p.Author.Login != "" {
		contributor.Author = &Author{
			Login:     p.Author.Login,
			AvatarURL: p.Author.AvatarURL,
			HTMLURL:   p.Author.HTMLURL,
		}
	}
	for _, week := range p.Weeks {
		contributor.Weeks = append(contributor.Weeks, ContributorWeek{
			Week:      week.UnixWeek,
			Additions: week.Additions,
			Deletions: week.Deletions,
			Commits:   week.Commits,
		})
	}
	return contributor
}

// JSON null leaves these at zero.
type contributorWeekDTO struct {
	UnixWeek  int64 `json:"w"`
	Additions int   `json:"a"`
	Deletions int   `json:"d"`
	Commits   int   `json:"c"`
}

type userPayload struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}
