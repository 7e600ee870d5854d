// Package models provides the model registry: capabilities, aliases,
// pricing (flat, tiered, time-of-day), and the class-based selection policy
// used by the runner.
package models

import (
	"sync"
	"time"

	"github.com/withmagi/magi/pkg/models"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderTest      Provider = "test"
)

// Class identifies a model quality class used for selection.
type Class string

const (
	ClassMini      Class = "mini"
	ClassStandard  Class = "standard"
	ClassReasoning Class = "reasoning"
	ClassVision    Class = "vision"
)

// Features describes what a model supports.
type Features struct {
	ContextLength   int      `json:"context_length"`
	Input           []string `json:"input,omitempty"` // modalities: text, image
	ToolUse         bool     `json:"tool_use"`
	Streaming       bool     `json:"streaming"`
	JSONOutput      bool     `json:"json_output"`
	ReasoningOutput bool     `json:"reasoning_output"`
}

// SupportsImages reports whether the model accepts image input.
func (f Features) SupportsImages() bool {
	for _, m := range f.Input {
		if m == "image" {
			return true
		}
	}
	return false
}

// Pricing defines the cost model for one entry. Exactly one mode applies:
// tiered when Threshold > 0, time-of-day when PeakInput or PeakOutput is
// set, flat otherwise. All prices are USD per million tokens.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
	CachedPerMillion float64 `json:"cached_per_million,omitempty"`
	PerImage         float64 `json:"per_image,omitempty"`

	// Tiered: simple two-band selection on total input tokens.
	Threshold            int64   `json:"threshold,omitempty"`
	InputAboveThreshold  float64 `json:"input_above_threshold,omitempty"`
	OutputAboveThreshold float64 `json:"output_above_threshold,omitempty"`

	// Time-of-day, UTC wall clock. Peak applies within [PeakStart, PeakEnd).
	PeakStartUTC   int     `json:"peak_start_utc,omitempty"` // hour 0-23
	PeakEndUTC     int     `json:"peak_end_utc,omitempty"`
	PeakInput      float64 `json:"peak_input,omitempty"`
	PeakOutput     float64 `json:"peak_output,omitempty"`
	OffPeakInput   float64 `json:"off_peak_input,omitempty"`
	OffPeakOutput  float64 `json:"off_peak_output,omitempty"`
}

// Entry is one registered model.
type Entry struct {
	ID       string   `json:"id"`
	Provider Provider `json:"provider"`
	Aliases  []string `json:"aliases,omitempty"`
	Class    Class    `json:"class"`
	// Score weights random selection within a class; higher is likelier.
	Score    int      `json:"score"`
	Features Features `json:"features"`
	Pricing  Pricing  `json:"pricing"`
	// RateLimitFallback names the model the runner falls back to when this
	// one is rate limited.
	RateLimitFallback string `json:"rate_limit_fallback,omitempty"`
}

// Catalog manages the set of registered models and the disabled-model set.
type Catalog struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	disabled map[string]bool
	rand     func(n int) int
}

// NewCatalog creates a catalog pre-populated with the built-in registry.
func NewCatalog() *Catalog {
	c := NewEmptyCatalog()
	c.registerBuiltins()
	return c
}

// NewEmptyCatalog creates a catalog with no entries, for tests and custom
// registries.
func NewEmptyCatalog() *Catalog {
	return &Catalog{
		entries:  make(map[string]*Entry),
		disabled: make(map[string]bool),
	}
}

// Register adds or replaces a model entry.
func (c *Catalog) Register(e *Entry) {
	if e == nil || e.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *e
	c.entries[e.ID] = &copied
}

// Find resolves a model id: exact match first, then alias match.
// Returns nil when unknown.
func (c *Catalog) Find(id string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[id]; ok {
		out := *e
		return &out
	}
	for _, e := range c.entries {
		for _, alias := range e.Aliases {
			if alias == id {
				out := *e
				return &out
			}
		}
	}
	return nil
}

// Disable excludes a model from selection until re-enabled.
func (c *Catalog) Disable(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[id] = true
}

// Enable re-admits a model to selection.
func (c *Catalog) Enable(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disabled, id)
}

// Disabled reports whether a model is excluded from selection.
func (c *Catalog) Disabled(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disabled[id]
}

// CalculateCost computes the USD cost of one usage record against the
// registry. Unknown models cost zero; the free-tier flag forces zero.
func (c *Catalog) CalculateCost(usage *models.CostUsage, at time.Time) float64 {
	if usage == nil || usage.IsFreeTier {
		return 0
	}
	entry := c.Find(usage.Model)
	if entry == nil {
		return 0
	}
	return entry.Pricing.Cost(usage, at)
}

// Cost computes the USD cost of a usage record under this pricing at the
// given time.
func (p Pricing) Cost(usage *models.CostUsage, at time.Time) float64 {
	if usage == nil {
		return 0
	}
	in := float64(usage.InputTokens)
	out := float64(usage.OutputTokens)
	cached := float64(usage.CachedTokens)

	inPrice := p.InputPerMillion
	outPrice := p.OutputPerMillion

	switch {
	case p.Threshold > 0:
		// Two-band selection: the whole call is billed at one band.
		if usage.InputTokens > p.Threshold {
			inPrice = p.InputAboveThreshold
			outPrice = p.OutputAboveThreshold
		}
	case p.PeakInput > 0 || p.PeakOutput > 0:
		if inPeakWindow(at.UTC(), p.PeakStartUTC, p.PeakEndUTC) {
			inPrice = p.PeakInput
			outPrice = p.PeakOutput
		} else {
			inPrice = p.OffPeakInput
			outPrice = p.OffPeakOutput
		}
	}

	cost := (in*inPrice + out*outPrice + cached*p.CachedPerMillion) / 1_000_000
	cost += float64(usage.ImageCount) * p.PerImage
	return cost
}

// inPeakWindow checks UTC wall-clock membership in [start, end) hours,
// handling windows that wrap midnight.
func inPeakWindow(t time.Time, startHour, endHour int) bool {
	h := t.Hour()
	if startHour == endHour {
		return false
	}
	if startHour < endHour {
		return h >= startHour && h < endHour
	}
	return h >= startHour || h < endHour
}
