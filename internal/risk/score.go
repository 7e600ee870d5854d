// Package risk scores incoming patches and rate-limits anomalous patch
// activity. Scoring normalizes patch metrics against static p90
// baselines and combines them with configurable weights into a 0..1
// score.
package risk

import (
	"math"
	"path"
	"regexp"
	"strings"

	"github.com/withmagi/magi/internal/config"
)

// Metrics are the raw signals extracted from one patch.
type Metrics struct {
	FilesChanged int
	LinesAdded   int
	LinesDeleted int
	// Churn is total lines touched (added + deleted).
	Churn int
	// DirsTouched is the number of distinct top-level directories.
	DirsTouched int
	// Complexity is a rough branch-point count over added lines.
	Complexity int
	// Entropy is the Shannon entropy of added content, in bits per byte.
	Entropy float64
	// HazardHits counts matches of destructive command patterns.
	HazardHits int
	// SecretHits counts matches of credential-looking patterns.
	SecretHits int
	// Unfamiliar and Semantic are caller-supplied 0..1 signals: the
	// fraction of touched files the author has no history with, and a
	// semantic-divergence estimate. AnalyzeDiff leaves them zero.
	Unfamiliar float64
	Semantic   float64
}

// Assessment is the weighted result for one patch.
type Assessment struct {
	Score   float64
	Signals map[string]float64
	// Flagged is set when hazard or secret patterns matched, regardless
	// of the overall score.
	Flagged bool
}

// Scorer computes patch risk from metrics using the configured
// baselines and weights.
type Scorer struct {
	cfg config.RiskConfig
}

// NewScorer creates a scorer from risk configuration.
func NewScorer(cfg config.RiskConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

var (
	hazardRe = regexp.MustCompile(`(?i)\brm\s+-rf\b|\bdrop\s+table\b|\btruncate\s+table\b|\bmkfs\b|\bdd\s+if=|:\s*\(\)\s*{\s*:` + `|` + `\bchmod\s+777\b`)
	secretRe = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----|AKIA[0-9A-Z]{16}|(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"][^'"]{8,}`)
	// Branch points in added code, counted per occurrence.
	branchRe = regexp.MustCompile(`\b(if|for|while|case|catch|elif|switch)\b|&&|\|\|`)
)

// AnalyzeDiff extracts metrics from a unified diff.
func AnalyzeDiff(diff string) Metrics {
	var m Metrics
	dirs := map[string]bool{}
	var added strings.Builder

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			m.FilesChanged++
			file := strings.TrimPrefix(line, "+++ ")
			file = strings.TrimPrefix(file, "b/")
			if file != "/dev/null" {
				dirs[topDir(file)] = true
			}
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			m.LinesAdded++
			content := line[1:]
			added.WriteString(content)
			added.WriteByte('\n')
			m.Complexity += len(branchRe.FindAllString(content, -1))
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			m.LinesDeleted++
		}
	}

	m.Churn = m.LinesAdded + m.LinesDeleted
	m.DirsTouched = len(dirs)
	addedText := added.String()
	m.Entropy = shannonEntropy(addedText)
	m.HazardHits = len(hazardRe.FindAllString(addedText, -1))
	m.SecretHits = len(secretRe.FindAllString(addedText, -1))
	return m
}

// Score combines metrics into a weighted 0..1 assessment. Each size
// signal is the ratio against its p90 baseline, capped at 1.
func (s *Scorer) Score(m Metrics) Assessment {
	c := s.cfg
	signals := map[string]float64{
		"files":      capRatio(float64(m.FilesChanged), c.P90Files),
		"loc":        capRatio(float64(m.LinesAdded+m.LinesDeleted), c.P90Lines),
		"churn":      capRatio(float64(m.Churn), c.P90Churn),
		"dispersion": capRatio(float64(m.DirsTouched), c.P90Dir),
		"complexity": capRatio(float64(m.Complexity), c.P90Cyclo),
		// 8 bits/byte is the maximum; high entropy suggests minified or
		// binary content.
		"entropy":    math.Min(m.Entropy/8, 1),
		"hazard":     boolSignal(m.HazardHits > 0),
		"secret":     boolSignal(m.SecretHits > 0),
		"unfamiliar": clamp01(m.Unfamiliar),
		"semantic":   clamp01(m.Semantic),
	}

	weights := map[string]float64{
		"files":      c.WFiles,
		"loc":        c.WLOC,
		"churn":      c.WChurn,
		"dispersion": c.WDispersion,
		"complexity": c.WComplexity,
		"entropy":    c.WEntropy,
		"hazard":     c.WHazard,
		"secret":     c.WSecret,
		"unfamiliar": c.WUnfamiliar,
		"semantic":   c.WSemantic,
	}

	var weighted, total float64
	for name, v := range signals {
		w := weights[name]
		weighted += v * w
		total += w
	}
	score := 0.0
	if total > 0 {
		score = weighted / total
	}

	return Assessment{
		Score:   score,
		Signals: signals,
		Flagged: m.HazardHits > 0 || m.SecretHits > 0,
	}
}

func capRatio(v, p90 float64) float64 {
	if p90 <= 0 {
		return 0
	}
	return math.Min(v/p90, 1)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}

func boolSignal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func topDir(file string) string {
	clean := path.Clean(file)
	if i := strings.IndexByte(clean, '/'); i > 0 {
		return clean[:i]
	}
	return "."
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}
