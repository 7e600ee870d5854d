package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/withmagi/magi/internal/config"
)

const limiterWindow = time.Hour

// Limiter gates patch activity against anomaly thresholds: total
// patches per hour, per-source patches per hour, and the recent
// failure rate.
type Limiter struct {
	cfg config.AnomalyConfig
	now func() time.Time

	mu       sync.Mutex
	all      []time.Time
	bySource map[string][]time.Time
	outcomes []outcome
}

type outcome struct {
	at     time.Time
	failed bool
}

// NewLimiter creates a limiter from anomaly configuration.
func NewLimiter(cfg config.AnomalyConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		bySource: make(map[string][]time.Time),
	}
}

// Allow records a patch attempt from source and reports whether it is
// within thresholds. A zero or negative threshold disables that check.
func (l *Limiter) Allow(source string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-limiterWindow)
	l.all = prune(l.all, cutoff)
	l.bySource[source] = prune(l.bySource[source], cutoff)
	l.pruneOutcomes(cutoff)

	if max := l.cfg.MaxPatchesPerHour; max > 0 && len(l.all) >= max {
		return false, fmt.Sprintf("patch rate %d/h over limit %d", len(l.all)+1, max)
	}
	if max := l.cfg.MaxUserPatchesPerHour; max > 0 && len(l.bySource[source]) >= max {
		return false, fmt.Sprintf("source %s patch rate %d/h over limit %d", source, len(l.bySource[source])+1, max)
	}
	if rate, n := l.failureRate(); l.cfg.MaxFailureRate > 0 && n >= 5 && rate > l.cfg.MaxFailureRate {
		return false, fmt.Sprintf("failure rate %.2f over limit %.2f", rate, l.cfg.MaxFailureRate)
	}

	l.all = append(l.all, now)
	l.bySource[source] = append(l.bySource[source], now)
	return true, ""
}

// RecordOutcome feeds the failure-rate window with a patch result.
func (l *Limiter) RecordOutcome(failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcome{at: l.now(), failed: failed})
}

// failureRate is the fraction of failed outcomes in the window. Needs
// the caller to hold the lock.
func (l *Limiter) failureRate() (float64, int) {
	if len(l.outcomes) == 0 {
		return 0, 0
	}
	failed := 0
	for _, o := range l.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(l.outcomes)), len(l.outcomes)
}

func (l *Limiter) pruneOutcomes(cutoff time.Time) {
	kept := l.outcomes[:0]
	for _, o := range l.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	l.outcomes = kept
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
