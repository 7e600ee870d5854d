// Package usage tracks per-process cost state with a trailing 60-second
// window, aggregates a global snapshot, and enforces the daily cost limit.
package usage

import (
	"sync"
	"time"

	"github.com/withmagi/magi/pkg/models"
)

// Window is the trailing interval over which last_min cost is computed.
const Window = 60 * time.Second

// ModelUsage accumulates per-model cost and call counts.
type ModelUsage struct {
	Cost  float64 `json:"cost"`
	Calls int     `json:"calls"`
}

type costPoint struct {
	at   time.Time
	cost float64
}

// ProcessCostState is the per-process accumulator. recentEvents holds only
// points within the window after any update; LastMin is their sum.
type ProcessCostState struct {
	StartTime      time.Time             `json:"startTime"`
	LastUpdate     time.Time             `json:"lastUpdate"`
	TotalCost      float64               `json:"totalCost"`
	LastMin        float64               `json:"lastMin"`
	TokensIn       int64                 `json:"tokensIn"`
	TokensOut      int64                 `json:"tokensOut"`
	ModelBreakdown map[string]ModelUsage `json:"modelBreakdown"`

	recentEvents []costPoint
}

// RecentEventCount reports the number of points currently in the window.
func (s *ProcessCostState) RecentEventCount() int {
	return len(s.recentEvents)
}

// GlobalSnapshot is the aggregate across all processes, computed on demand
// and emitted after every cost update.
type GlobalSnapshot struct {
	TotalCost       float64               `json:"totalCost"`
	LastMin         float64               `json:"lastMin"`
	TokensIn        int64                 `json:"tokensIn"`
	TokensOut       int64                 `json:"tokensOut"`
	ModelBreakdown  map[string]ModelUsage `json:"modelBreakdown"`
	CostPerMinute   float64               `json:"costPerMinute"`
	NumProcesses    int                   `json:"numProcesses"`
	SystemStartTime time.Time             `json:"systemStartTime"`
	Now             time.Time             `json:"now"`
}

// Tracker owns per-process cost state. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	processes   map[string]*ProcessCostState
	systemStart time.Time
	now         func() time.Time
}

// NewTracker creates a tracker with the system clock.
func NewTracker() *Tracker {
	return &Tracker{
		processes:   make(map[string]*ProcessCostState),
		systemStart: time.Now(),
		now:         time.Now,
	}
}

// SetClock overrides the clock, used by tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.systemStart = now()
}

// AddUsage records one cost event for a process. The event timestamp (or
// now, when missing or invalid) drives the window append; points older than
// the window are pruned on every update.
func (t *Tracker) AddUsage(processID string, u *models.CostUsage, cost float64) *ProcessCostState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	state := t.processes[processID]
	if state == nil {
		state = &ProcessCostState{
			StartTime:      now,
			ModelBreakdown: make(map[string]ModelUsage),
		}
		t.processes[processID] = state
	}

	at := u.Time(now)
	state.LastUpdate = now
	state.TotalCost += cost
	state.TokensIn += u.InputTokens
	state.TokensOut += u.OutputTokens

	mu := state.ModelBreakdown[u.Model]
	mu.Cost += cost
	mu.Calls++
	state.ModelBreakdown[u.Model] = mu

	state.recentEvents = append(state.recentEvents, costPoint{at: at, cost: cost})
	state.prune(now)

	out := t.cloneState(state)
	return out
}

func (s *ProcessCostState) prune(now time.Time) {
	cutoff := now.Add(-Window)
	kept := s.recentEvents[:0]
	var sum float64
	for _, p := range s.recentEvents {
		if p.at.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
		sum += p.cost
	}
	s.recentEvents = kept
	s.LastMin = sum
}

// State returns a copy of one process's state, pruned to now, or nil when
// the process is unknown.
func (t *Tracker) State(processID string) *ProcessCostState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.processes[processID]
	if state == nil {
		return nil
	}
	state.prune(t.now())
	return t.cloneState(state)
}

// Forget removes a process's state.
func (t *Tracker) Forget(processID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, processID)
}

// Snapshot aggregates all process states into the global view.
// CostPerMinute is total cost over minutes elapsed since system start.
func (t *Tracker) Snapshot() *GlobalSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	snap := &GlobalSnapshot{
		ModelBreakdown:  make(map[string]ModelUsage),
		SystemStartTime: t.systemStart,
		NumProcesses:    len(t.processes),
		Now:             now,
	}

	for _, state := range t.processes {
		state.prune(now)
		snap.TotalCost += state.TotalCost
		snap.LastMin += state.LastMin
		snap.TokensIn += state.TokensIn
		snap.TokensOut += state.TokensOut
		for model, mu := range state.ModelBreakdown {
			agg := snap.ModelBreakdown[model]
			agg.Cost += mu.Cost
			agg.Calls += mu.Calls
			snap.ModelBreakdown[model] = agg
		}
	}

	elapsed := now.Sub(t.systemStart).Minutes()
	if elapsed > 1.0/60000.0 {
		snap.CostPerMinute = snap.TotalCost / elapsed
	}
	return snap
}

func (t *Tracker) cloneState(s *ProcessCostState) *ProcessCostState {
	out := &ProcessCostState{
		StartTime:      s.StartTime,
		LastUpdate:     s.LastUpdate,
		TotalCost:      s.TotalCost,
		LastMin:        s.LastMin,
		TokensIn:       s.TokensIn,
		TokensOut:      s.TokensOut,
		ModelBreakdown: make(map[string]ModelUsage, len(s.ModelBreakdown)),
	}
	for k, v := range s.ModelBreakdown {
		out.ModelBreakdown[k] = v
	}
	out.recentEvents = append(out.recentEvents, s.recentEvents...)
	return out
}
