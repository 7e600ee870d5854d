// Package tdd implements the test-driven sub-orchestrator: it plans a
// goal into a dependency-ordered feature graph and walks each feature
// through RED, GREEN and REFACTOR phases against a real test runner.
package tdd

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Feature statuses, in lifecycle order.
const (
	StatusPending           = "pending"
	StatusWritingTests      = "writing_tests"
	StatusRunningTestsRed   = "running_tests_red"
	StatusWritingCode       = "writing_code"
	StatusRunningTestsGreen = "running_tests_green"
	StatusRefactoring       = "refactoring"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
)

// Feature is one unit of the plan.
type Feature struct {
	ID                     string   `json:"id"`
	Description            string   `json:"description"`
	TestFilePath           string   `json:"test_file_path,omitempty"`
	ImplementationFilePath string   `json:"implementation_file_path,omitempty"`
	DependsOn              []string `json:"depends_on"`
	Status                 string   `json:"status,omitempty"`
}

var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\n(.*?)```")

// extractFencedBlock returns the content of the last fenced code block,
// or the whole input when no fence is present.
func extractFencedBlock(output string) string {
	matches := fencedBlockRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(output)
	}
	return strings.TrimSpace(matches[len(matches)-1][1])
}

// ParsePlan decodes the planning agent's output into validated
// features. Missing file paths are synthesized from the description
// using the runner's source extension.
func ParsePlan(output, ext string) ([]*Feature, error) {
	payload := extractFencedBlock(output)

	var features []*Feature
	if err := json.Unmarshal([]byte(payload), &features); err != nil {
		// Some plans wrap the list in an object.
		var wrapper struct {
			Features []*Feature `json:"features"`
		}
		if err2 := json.Unmarshal([]byte(payload), &wrapper); err2 != nil || len(wrapper.Features) == 0 {
			return nil, fmt.Errorf("plan is not a feature list: %w", err)
		}
		features = wrapper.Features
	}

	if len(features) == 0 {
		return nil, fmt.Errorf("plan contains no features")
	}
	for i, f := range features {
		if f.ID == "" {
			return nil, fmt.Errorf("feature %d has no id", i)
		}
		if f.Description == "" {
			return nil, fmt.Errorf("feature %q has no description", f.ID)
		}
		if f.DependsOn == nil {
			f.DependsOn = []string{}
		}
		slug := slugify(f.Description)
		if f.TestFilePath == "" {
			f.TestFilePath = fmt.Sprintf("test/%s.test.%s", slug, ext)
		}
		if f.ImplementationFilePath == "" {
			f.ImplementationFilePath = fmt.Sprintf("src/%s.%s", slug, ext)
		}
		f.Status = StatusPending
	}
	return features, nil
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := slugStripRe.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		slug = "feature"
	}
	return slug
}

// TopoSort orders features so every feature follows its dependencies.
// Unknown dependencies are ignored; cycles fail the sort.
func TopoSort(features []*Feature) ([]*Feature, error) {
	byID := make(map[string]*Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(features))
	var order []*Feature

	var visit func(f *Feature) error
	visit = func(f *Feature) error {
		switch state[f.ID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through feature %q", f.ID)
		}
		state[f.ID] = visiting
		for _, dep := range f.DependsOn {
			if target := byID[dep]; target != nil {
				if err := visit(target); err != nil {
					return err
				}
			}
		}
		state[f.ID] = done
		order = append(order, f)
		return nil
	}

	for _, f := range features {
		if err := visit(f); err != nil {
			return nil, err
		}
	}
	return order, nil
}
