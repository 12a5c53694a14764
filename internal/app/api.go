package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/github-loc/internal/githubapi"
	"github.com/cam3ron2/github-loc/internal/loc"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Aggregator runs LOC aggregations.
type Aggregator interface {
	Aggregate(ctx context.Context, req loc.Request) (*loc.Result, error)
	AggregateUser(ctx context.Context, req loc.Request, login string) (*loc.UserResult, error)
}

// RateLimitReader reads the caller's GitHub rate-limit budget.
type RateLimitReader interface {
	RateLimits(ctx context.Context, token string) (githubapi.RateLimitStatus, error)
}

// UpstreamGate reports whether GitHub calls are paused after repeated failures.
type UpstreamGate interface {
	RetryAfter(now time.Time) (time.Duration, bool)
}

// APIOptions configures an APIHandler.
type APIOptions struct {
	Logger *zap.Logger
	// RequestTimeout bounds one aggregation request. Zero disables the bound.
	RequestTimeout time.Duration
	// DefaultCredential reports whether outbound calls without a caller token
	// are authenticated by a server-side credential.
	DefaultCredential bool
	// Gate rejects aggregations while GitHub is cooling down. Nil disables it.
	Gate UpstreamGate
	Now  func() time.Time
}

// APIHandler serves the LOC aggregation endpoints.
type APIHandler struct {
	aggregator        Aggregator
	rateLimits        RateLimitReader
	logger            *zap.Logger
	requestTimeout    time.Duration
	defaultCredential bool
	gate              UpstreamGate
	now               func() time.Time
}

// NewAPIHandler creates the aggregation API.
func NewAPIHandler(aggregator Aggregator, rateLimits RateLimitReader, opts APIOptions) *APIHandler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &APIHandler{
		aggregator:        aggregator,
		rateLimits:        rateLimits,
		logger:            logger,
		requestTimeout:    opts.RequestTimeout,
		defaultCredential: opts.DefaultCredential,
		gate:              opts.Gate,
		now:               now,
	}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserReport is the response of the single-user endpoints.
type UserReport struct {
	Username       string                       `json:"username"`
	AvatarURL      string                       `json:"avatarUrl"`
	HTMLURL        string                       `json:"htmlUrl"`
	TotalAdditions int                          `json:"totalAdditions"`
	TotalDeletions int                          `json:"totalDeletions"`
	TotalLOC       int                          `json:"totalLoc"`
	TotalCommits   int                          `json:"totalCommits"`
	Repositories   []loc.RepositoryContribution `json:"repositories"`
	From           time.Time                    `json:"from"`
	To             time.Time                    `json:"to"`
	CollectedAt    time.Time                    `json:"collectedAt"`
	Partial        bool                         `json:"partial"`
	Degradations   []loc.Degradation            `json:"degradations"`
}

var errMissingToken = errors.New("a GitHub token is required")

// OrganizationSummary serves GET /api/loc/repository/{org}.
func (h *APIHandler) OrganizationSummary(w http.ResponseWriter, r *http.Request) {
	result, ok := h.aggregateOrganization(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, result.SummaryOnly())
}

// OrganizationDetailed serves GET /api/loc/repository/{org}/detailed.
func (h *APIHandler) OrganizationDetailed(w http.ResponseWriter, r *http.Request) {
	result, ok := h.aggregateOrganization(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, result.Detailed())
}

// OrganizationUser serves GET /api/loc/repository/{org}/user/{user}.
func (h *APIHandler) OrganizationUser(w http.ResponseWriter, r *http.Request) {
	result, ok := h.aggregateOrganization(w, r)
	if !ok {
		return
	}

	login := chi.URLParam(r, "user")
	user, found := result.Find(login)
	if !found {
		h.logger.Warn("user not found in organization",
			zap.String("org", result.Account.Login),
			zap.String("user", login),
		)
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("user %q has no contributions in %s", login, result.Account.Login))
		return
	}
	h.writeJSON(w, http.StatusOK, newUserReport(user, result.Window, result.CollectedAt, result.Degradations))
}

// User serves GET /api/loc/user/{user}.
func (h *APIHandler) User(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "user")
	req, err := h.parseRequest(r, githubapi.Account{Kind: githubapi.AccountUser, Login: login})
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if h.coolingDown(w) {
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	result, err := h.aggregator.AggregateUser(ctx, req, login)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newUserReport(result.User, result.Window, result.CollectedAt, result.Degradations))
}

// RateLimit serves GET /api/loc/rate-limit.
func (h *APIHandler) RateLimit(w http.ResponseWriter, r *http.Request) {
	if h.rateLimits == nil {
		h.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "rate-limit lookups are not configured")
		return
	}
	token, err := h.resolveToken(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	status, err := h.rateLimits.RateLimits(r.Context(), token)
	if err != nil {
		h.logger.Error("rate limit lookup failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "failed to retrieve rate limit status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HealthCheck serves GET /monitor/health-check.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("github-loc is running")); err != nil {
		return
	}
}

func (h *APIHandler) aggregateOrganization(w http.ResponseWriter, r *http.Request) (*loc.Result, bool) {
	account := githubapi.Account{Kind: githubapi.AccountOrganization, Login: chi.URLParam(r, "org")}
	req, err := h.parseRequest(r, account)
	if err != nil {
		h.writeFailure(w, err)
		return nil, false
	}
	if h.coolingDown(w) {
		return nil, false
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	h.logger.Info("organization aggregation requested",
		zap.String("org", account.Login),
		zap.Time("from", req.Window.From),
		zap.Time("to", req.Window.To),
		zap.Bool("include_forks", req.IncludeForks),
		zap.Bool("include_archived", req.IncludeArchived),
	)
	result, err := h.aggregator.Aggregate(ctx, req)
	if err != nil {
		h.writeFailure(w, err)
		return nil, false
	}
	return result, true
}

func (h *APIHandler) parseRequest(r *http.Request, account githubapi.Account) (loc.Request, error) {
	token, err := h.resolveToken(r)
	if err != nil {
		return loc.Request{}, err
	}

	query := r.URL.Query()
	from, err := parseTimeParam("from", query.Get("from"))
	if err != nil {
		return loc.Request{}, err
	}
	to, err := parseTimeParam("to", query.Get("to"))
	if err != nil {
		return loc.Request{}, err
	}
	window, err := loc.NewWindow(from, to)
	if err != nil {
		return loc.Request{}, err
	}
	includeForks, err := parseBoolParam("includeForks", query.Get("includeForks"))
	if err != nil {
		return loc.Request{}, err
	}
	includeArchived, err := parseBoolParam("includeArchived", query.Get("includeArchived"))
	if err != nil {
		return loc.Request{}, err
	}

	return loc.Request{
		Account:         account,
		Token:           token,
		Window:          window,
		IncludeForks:    includeForks,
		IncludeArchived: includeArchived,
	}, nil
}

// resolveToken prefers a bearer header over the token query parameter. An
// empty result defers to the server credential.
func (h *APIHandler) resolveToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "token")) && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	if h.defaultCredential {
		return "", nil
	}
	return "", errMissingToken
}

func (h *APIHandler) coolingDown(w http.ResponseWriter) bool {
	if h.gate == nil {
		return false
	}
	wait, cooling := h.gate.RetryAfter(h.now())
	if !cooling {
		return false
	}
	seconds := int(math.Ceil(wait.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	h.writeError(w, http.StatusServiceUnavailable, "UPSTREAM_COOLDOWN",
		fmt.Sprintf("GitHub calls are paused after repeated failures; retry in %ds", seconds))
	return true
}

func (h *APIHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.requestTimeout)
}

type paramError struct {
	name   string
	reason string
}

func (e *paramError) Error() string {
	return fmt.Sprintf("query parameter %q %s", e.name, e.reason)
}

// parseTimeParam accepts RFC 3339, a local ISO date-time read as UTC, or a date.
func parseTimeParam(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &paramError{name: name, reason: "is required"}
	}
	parsed, err := loc.ParseTime(raw)
	if err != nil {
		return time.Time{}, &paramError{name: name, reason: "must be an ISO-8601 date or date-time"}
	}
	return parsed, nil
}

func parseBoolParam(name, raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &paramError{name: name, reason: "must be true or false"}
	}
	return value, nil
}

func newUserReport(user loc.UserContribution, window loc.Window, collectedAt time.Time, degradations []loc.Degradation) UserReport {
	if degradations == nil {
		degradations = []loc.Degradation{}
	}
	summary := user.Summary(true)
	return UserReport{
		Username:       summary.Username,
		AvatarURL:      summary.AvatarURL,
		HTMLURL:        summary.HTMLURL,
		TotalAdditions: summary.TotalAdditions,
		TotalDeletions: summary.TotalDeletions,
		TotalLOC:       summary.TotalLOC,
		TotalCommits:   summary.TotalCommits,
		Repositories:   summary.Repositories,
		From:           window.From,
		To:             window.To,
		CollectedAt:    collectedAt,
		Partial:        len(degradations) > 0,
		Degradations:   degradations,
	}
}

// statusClientClosedRequest is the non-standard status nginx uses for a client
// that disconnected before the response was ready.
const statusClientClosedRequest = 499

func (h *APIHandler) writeFailure(w http.ResponseWriter, err error) {
	var pErr *paramError
	switch {
	case errors.As(err, &pErr):
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", pErr.Error())
	case errors.Is(err, loc.ErrInvalidWindow), errors.Is(err, loc.ErrInvalidAccount):
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, errMissingToken):
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, loc.ErrUnauthorized):
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "GitHub rejected the credentials")
	case errors.Is(err, loc.ErrUpstreamUnreachable):
		h.logger.Error("github unreachable", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "UPSTREAM_UNREACHABLE", "GitHub API is unreachable")
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "TIMEOUT", "aggregation did not finish in time")
	case errors.Is(err, context.Canceled):
		h.logger.Debug("client went away before aggregation finished", zap.Error(err))
		h.writeError(w, statusClientClosedRequest, "CLIENT_CLOSED_REQUEST", "request cancelled")
	default:
		h.logger.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}
