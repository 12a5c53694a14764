package githubapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitHeaders contains parsed GitHub rate-limit response headers.
type RateLimitHeaders struct {
	Present          bool
	Limit            int
	Remaining        int
	ResetUnix        int64
	Used             int
	Resource         string
	RetryAfter       time.Duration
	SecondaryLimited bool
	PrimaryExhausted bool
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates rate-limit actions from parsed headers.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	Now                   func() time.Time
}

// DefaultRateLimitPolicy returns the policy used when nothing is configured.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{
		MinRemainingThreshold: 0,
		MinResetBuffer:        time.Second,
		SecondaryLimitBackoff: 60 * time.Second,
	}
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	rawRemaining := strings.TrimSpace(header.Get("X-RateLimit-Remaining"))
	parsed.Present = rawRemaining != ""
	parsed.Limit = parseInt(header.Get("X-RateLimit-Limit"))
	parsed.Remaining = parseInt(rawRemaining)
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))
	parsed.Resource = strings.TrimSpace(header.Get("X-RateLimit-Resource"))

	retryAfterSeconds := parseInt(header.Get("Retry-After"))
	if retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	limitedStatus := statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests
	switch {
	case limitedStatus && parsed.Present && parsed.Remaining == 0:
		parsed.PrimaryExhausted = true
	case statusCode == http.StatusTooManyRequests:
		parsed.SecondaryLimited = true
	case statusCode == http.StatusForbidden && parsed.RetryAfter > 0:
		parsed.SecondaryLimited = true
	}

	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if headers.SecondaryLimited {
		waitFor := p.SecondaryLimitBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		return Decision{
			Allow:   false,
			WaitFor: waitFor,
			Reason:  "secondary_limit",
		}
	}

	if !headers.PrimaryExhausted && (!headers.Present || headers.Remaining > p.MinRemainingThreshold) {
		return Decision{
			Allow:  true,
			Reason: "within_budget",
		}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{
			Allow:  true,
			Reason: "reset_elapsed",
		}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_below_threshold",
	}
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
