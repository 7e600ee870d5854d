package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// dailyLimitFile is the persisted shape of the daily cost limit.
type dailyLimitFile struct {
	DailyLimit *float64 `json:"dailyLimit"`
}

// LimitEnforcer checks the aggregate cost against a configurable daily
// limit after every cost update. It warns once at 100% (flagged until the
// total drops back under) and at most once per WarnInterval in the
// 80%-100% band. Breaches never block operations.
type LimitEnforcer struct {
	mu           sync.Mutex
	path         string
	warnInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	overLimit   bool
	lastWarning time.Time

	// Notify receives system_update messages for the UI. Optional.
	Notify func(message string)
}

// NewLimitEnforcer creates an enforcer reading the limit file at path.
func NewLimitEnforcer(path string, warnInterval time.Duration, logger *slog.Logger) *LimitEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	if warnInterval <= 0 {
		warnInterval = time.Minute
	}
	return &LimitEnforcer{
		path:         path,
		warnInterval: warnInterval,
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock overrides the clock, used by tests.
func (e *LimitEnforcer) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Check loads the limit file and evaluates total against it. The file is
// re-read on every call so operators can adjust the limit at runtime.
// Absent file or null limit disables enforcement.
func (e *LimitEnforcer) Check(total float64) {
	limit, ok := e.loadLimit()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	switch {
	case total > limit:
		if !e.overLimit {
			e.overLimit = true
			msg := fmt.Sprintf("Daily cost limit exceeded: $%.2f of $%.2f", total, limit)
			e.logger.Warn("daily cost limit exceeded", "total", total, "limit", limit)
			e.notify(msg)
		}
	case total > 0.8*limit:
		if now.Sub(e.lastWarning) >= e.warnInterval {
			e.lastWarning = now
			msg := fmt.Sprintf("Approaching daily cost limit: $%.2f of $%.2f", total, limit)
			e.notify(msg)
		}
		if e.overLimit {
			e.overLimit = false
		}
	default:
		// Back under the limit: clear the flag without emitting.
		e.overLimit = false
	}
}

// OverLimit reports whether the last check was over the limit.
func (e *LimitEnforcer) OverLimit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overLimit
}

func (e *LimitEnforcer) notify(message string) {
	if e.Notify != nil {
		e.Notify(message)
	}
}

func (e *LimitEnforcer) loadLimit() (float64, bool) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return 0, false
	}
	var f dailyLimitFile
	if err := json.Unmarshal(data, &f); err != nil {
		e.logger.Warn("invalid daily limit file", "path", e.path, "error", err)
		return 0, false
	}
	if f.DailyLimit == nil {
		return 0, false
	}
	return *f.DailyLimit, true
}

// WriteDailyLimit persists a limit (nil clears it) to the given path.
func WriteDailyLimit(path string, limit *float64) error {
	data, err := json.Marshal(dailyLimitFile{DailyLimit: limit})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
