package models

import (
	"errors"
	"math/rand"
)

// Intelligence hints shift the requested class before selection.
const (
	IntelligenceLow      = "low"
	IntelligenceStandard = "standard"
	IntelligenceHigh     = "high"
)

// ErrNoModel is returned when no enabled model matches the requested class.
var ErrNoModel = errors.New("no enabled model in class")

// ApplyIntelligence maps an intelligence hint onto a model class:
// low lowers to mini, high raises to reasoning, standard keeps the class.
func ApplyIntelligence(class Class, intelligence string) Class {
	switch intelligence {
	case IntelligenceLow:
		return ClassMini
	case IntelligenceHigh:
		return ClassReasoning
	default:
		return class
	}
}

// SelectFromClass picks an enabled model from the class by score-weighted
// random choice, excluding any ids in exclude. Disabled models are never
// returned.
func (c *Catalog) SelectFromClass(class Class, exclude map[string]bool) (*Entry, error) {
	candidates := c.ClassModels(class, exclude)
	if len(candidates) == 0 {
		return nil, ErrNoModel
	}

	total := 0
	for _, e := range candidates {
		total += scoreOf(e)
	}
	pick := c.intn(total)
	for _, e := range candidates {
		pick -= scoreOf(e)
		if pick < 0 {
			out := *e
			return &out, nil
		}
	}
	out := *candidates[len(candidates)-1]
	return &out, nil
}

// ClassModels returns the enabled members of a class in registration-map
// order, excluding ids in exclude. Callers iterating for fallback should
// treat the order as arbitrary.
func (c *Catalog) ClassModels(class Class, exclude map[string]bool) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Entry
	for _, e := range c.entries {
		if e.Class != class {
			continue
		}
		if c.disabled[e.ID] || exclude[e.ID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Catalog) intn(n int) int {
	if n <= 0 {
		return 0
	}
	c.mu.RLock()
	fn := c.rand
	c.mu.RUnlock()
	if fn != nil {
		return fn(n)
	}
	return rand.Intn(n)
}

// SetRandSource overrides the random source, used by tests for
// deterministic selection.
func (c *Catalog) SetRandSource(fn func(n int) int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rand = fn
}

func scoreOf(e *Entry) int {
	if e.Score <= 0 {
		return 1
	}
	return e.Score
}
