// Package health reports whether the aggregation service can take requests
// and whether GitHub is currently answering them.
package health

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the service can answer but GitHub calls keep failing.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

const (
	componentStore         = "store"
	componentGitHubClient  = "github_client"
	componentGitHubHealthy = "github_healthy"
)

// Input is the dependency state a Status is derived from.
type Input struct {
	StoreHealthy       bool
	GitHubClientUsable bool
	GitHubHealthy      bool
	// GitHubCooldown is what is left of the pause that follows repeated
	// GitHub failures. Zero when no cooldown is active.
	GitHubCooldown time.Duration
}

// Status is the evaluated service health served by /healthz.
type Status struct {
	Mode       Mode            `json:"mode"`
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
	// CooldownSeconds is rounded up so a client never retries too early.
	CooldownSeconds int `json:"githubCooldownSeconds,omitempty"`
}

// Failing lists the components reporting false, sorted by name.
func (s Status) Failing() []string {
	failing := make([]string, 0, len(s.Components))
	for name, ok := range s.Components {
		if !ok {
			failing = append(failing, name)
		}
	}
	slices.Sort(failing)
	return failing
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator derives a Status from dependency state. Readiness needs the
// metric store and a usable GitHub client; an unhealthy GitHub only degrades.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	status := Status{
		Components: map[string]bool{
			componentStore:         input.StoreHealthy,
			componentGitHubClient:  input.GitHubClientUsable,
			componentGitHubHealthy: input.GitHubHealthy,
		},
		Ready: input.StoreHealthy && input.GitHubClientUsable,
	}
	if input.GitHubCooldown > 0 {
		status.CooldownSeconds = int(math.Ceil(input.GitHubCooldown.Seconds()))
	}

	switch {
	case !status.Ready:
		status.Mode = ModeUnhealthy
	case !input.GitHubHealthy:
		status.Mode = ModeDegraded
	default:
		status.Mode = ModeHealthy
	}
	return status
}

// NewHandler serves /livez, /readyz and /healthz from provider.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if !status.Ready {
			writeText(w, http.StatusServiceUnavailable, "not ready: "+strings.Join(status.Failing(), ","))
			return
		}
		writeText(w, http.StatusOK, "ready")
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		return
	}
}
