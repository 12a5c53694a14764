package health

import (
	"sync"
	"time"
)

// TrackerConfig configures GitHub health tracking.
type TrackerConfig struct {
	FailureThreshold int
	RecoverThreshold int
	Cooldown         time.Duration
}

// Tracker turns a stream of GitHub call outcomes into a health flag. The flag
// drops after FailureThreshold consecutive failures and returns after
// RecoverThreshold consecutive successes.
type Tracker struct {
	cfg TrackerConfig

	mu             sync.RWMutex
	healthy        bool
	failureStreak  int
	recoverStreak  int
	unhealthyUntil time.Time
}

// NewTracker creates a tracker that starts healthy.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.RecoverThreshold <= 0 {
		cfg.RecoverThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Tracker{cfg: cfg, healthy: true}
}

// Record registers one outcome observed at now.
func (t *Tracker) Record(now time.Time, successful bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if successful {
		t.failureStreak = 0
		if t.healthy {
			t.recoverStreak = 0
			t.unhealthyUntil = time.Time{}
			return
		}
		t.recoverStreak++
		if t.recoverStreak >= t.cfg.RecoverThreshold {
			t.healthy = true
			t.recoverStreak = 0
			t.unhealthyUntil = time.Time{}
		}
		return
	}

	t.recoverStreak = 0
	t.failureStreak++
	if t.failureStreak >= t.cfg.FailureThreshold {
		t.healthy = false
		t.unhealthyUntil = now.Add(t.cfg.Cooldown)
	}
}

// Healthy reports the current flag.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthy
}

// RetryAfter reports the remaining cooldown that follows the last transition
// to unhealthy, and false once it has elapsed.
func (t *Tracker) RetryAfter(now time.Time) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.unhealthyUntil.IsZero() || !now.Before(t.unhealthyUntil) {
		return 0, false
	}
	return t.unhealthyUntil.Sub(now), true
}
