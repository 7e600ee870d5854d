package tdd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/withmagi/magi/internal/agent"
	"github.com/withmagi/magi/pkg/models"
)

const (
	defaultMaxRetries = 3
	reportTailChars   = 2000
)

// Report summarizes a TDD run.
type Report struct {
	Counts      map[string]int `json:"counts"`
	Features    []*Feature     `json:"features"`
	FinalOutput string         `json:"final_output"`
}

// Orchestrator walks a goal through plan, RED, GREEN and REFACTOR.
type Orchestrator struct {
	runner *agent.Runner
	exec   CommandExecutor
	logger *slog.Logger

	// Planner emits the feature plan, Tester writes tests, Writer
	// writes and refactors implementations.
	Planner *agent.Agent
	Tester  *agent.Agent
	Writer  *agent.Agent

	// MaxRetries bounds GREEN fix iterations per feature.
	MaxRetries int
}

// New creates a TDD orchestrator.
func New(runner *agent.Runner, planner, tester, writer *agent.Agent, exec CommandExecutor, logger *slog.Logger) *Orchestrator {
	if exec == nil {
		exec = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runner:     runner,
		exec:       exec,
		logger:     logger,
		Planner:    planner,
		Tester:     tester,
		Writer:     writer,
		MaxRetries: defaultMaxRetries,
	}
}

// Run plans the goal and processes every feature in dependency order.
// Individual feature failures do not stop the run; planning and cycle
// errors do.
func (o *Orchestrator) Run(ctx context.Context, dir, goal string) (*Report, error) {
	testRunner := DetectRunner(dir)
	o.logger.Info("tdd run starting", "goal", goal, "runner", testRunner.Name)

	planOut, err := o.invoke(ctx, o.Planner, planPrompt(goal))
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	features, err := ParsePlan(planOut, testRunner.Ext)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	order, err := TopoSort(features)
	if err != nil {
		return nil, err
	}

	for _, f := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.processFeature(ctx, dir, testRunner, f)
	}

	finalOutput := o.integrationPass(ctx, dir, testRunner, order)
	return buildReport(order, finalOutput), nil
}

func (o *Orchestrator) processFeature(ctx context.Context, dir string, tr *TestRunner, f *Feature) {
	o.logger.Info("feature starting", "feature", f.ID, "test_file", f.TestFilePath)

	// RED: write tests and confirm they fail.
	f.Status = StatusWritingTests
	testsOut, err := o.invoke(ctx, o.Tester, testPrompt(f))
	if err != nil {
		o.failFeature(f, "test writing", err)
		return
	}
	if err := writeFile(dir, f.TestFilePath, extractFencedBlock(testsOut)); err != nil {
		o.failFeature(f, "test write", err)
		return
	}

	f.Status = StatusRunningTestsRed
	redOutput, redExit, err := o.exec.Run(ctx, dir, tr.Command([]string{f.TestFilePath}))
	if err != nil {
		o.failFeature(f, "red run", err)
		return
	}
	if TestsPassed(redOutput, redExit) {
		o.logger.Warn("tests passed before implementation", "feature", f.ID)
	}

	// GREEN: implement until the tests pass, within the retry budget.
	f.Status = StatusWritingCode
	lastOutput := redOutput
	passed := false
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		implOut, err := o.invoke(ctx, o.Writer, implementPrompt(f, dir, lastOutput, attempt))
		if err != nil {
			o.failFeature(f, "implementation", err)
			return
		}
		if err := writeFile(dir, f.ImplementationFilePath, extractFencedBlock(implOut)); err != nil {
			o.failFeature(f, "implementation write", err)
			return
		}

		f.Status = StatusRunningTestsGreen
		output, exit, err := o.exec.Run(ctx, dir, tr.Command([]string{f.TestFilePath}))
		if err != nil {
			o.failFeature(f, "green run", err)
			return
		}
		if TestsPassed(output, exit) {
			passed = true
			break
		}
		lastOutput = output
		f.Status = StatusWritingCode
		o.logger.Info("tests still failing", "feature", f.ID, "attempt", attempt+1)
	}
	if !passed {
		f.Status = StatusFailed
		o.logger.Error("feature exhausted fix attempts", "feature", f.ID, "retries", o.MaxRetries)
		return
	}

	// REFACTOR: keep the result only if the tests stay green.
	f.Status = StatusRefactoring
	greenCode, err := os.ReadFile(filepath.Join(dir, f.ImplementationFilePath))
	if err != nil {
		o.failFeature(f, "read implementation", err)
		return
	}
	refactorOut, err := o.invoke(ctx, o.Writer, refactorPrompt(f, string(greenCode)))
	if err == nil {
		refactored := extractFencedBlock(refactorOut)
		if materiallyDiffers(refactored, string(greenCode)) {
			if err := writeFile(dir, f.ImplementationFilePath, refactored); err == nil {
				output, exit, runErr := o.exec.Run(ctx, dir, tr.Command([]string{f.TestFilePath}))
				if runErr != nil || !TestsPassed(output, exit) {
					o.logger.Warn("refactor broke tests, reverting", "feature", f.ID)
					_ = writeFile(dir, f.ImplementationFilePath, string(greenCode))
				}
			}
		}
	} else {
		o.logger.Warn("refactor step skipped", "feature", f.ID, "error", err)
	}

	f.Status = StatusCompleted
	o.logger.Info("feature complete", "feature", f.ID)
}

// integrationPass runs the union of test files of everything that got a
// test file written.
func (o *Orchestrator) integrationPass(ctx context.Context, dir string, tr *TestRunner, features []*Feature) string {
	var files []string
	for _, f := range features {
		if f.Status == StatusCompleted || f.Status == StatusFailed {
			if _, err := os.Stat(filepath.Join(dir, f.TestFilePath)); err == nil {
				files = append(files, f.TestFilePath)
			}
		}
	}
	if len(files) == 0 {
		return ""
	}
	output, exit, err := o.exec.Run(ctx, dir, tr.Command(files))
	if err != nil {
		return fmt.Sprintf("integration run error: %v", err)
	}
	o.logger.Info("integration pass finished", "files", len(files), "passed", TestsPassed(output, exit))
	return output
}

func (o *Orchestrator) invoke(ctx context.Context, template *agent.Agent, prompt string) (string, error) {
	clone := template.Clone()
	var history []models.ConversationItem
	return o.runner.RunStreamedWithTools(ctx, clone, prompt, &history, nil)
}

func (o *Orchestrator) failFeature(f *Feature, phase string, err error) {
	f.Status = StatusFailed
	o.logger.Error("feature failed", "feature", f.ID, "phase", phase, "error", err)
}

func buildReport(features []*Feature, finalOutput string) *Report {
	counts := make(map[string]int)
	for _, f := range features {
		counts[f.Status]++
	}
	return &Report{
		Counts:      counts,
		Features:    features,
		FinalOutput: outputTail(finalOutput, reportTailChars),
	}
}

// materiallyDiffers ignores whitespace-only refactors.
func materiallyDiffers(a, b string) bool {
	normalize := func(s string) string {
		lines := strings.Split(s, "\n")
		for i := range lines {
			lines[i] = strings.TrimRight(lines[i], " \t")
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return normalize(a) != normalize(b)
}

func writeFile(dir, rel, content string) error {
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func planPrompt(goal string) string {
	return fmt.Sprintf(`Break the following goal into small, testable features.

Goal: %s

Respond with a JSON array inside a fenced code block. Each feature:
{"id": "...", "description": "...", "depends_on": ["..."], "test_file_path": "...", "implementation_file_path": "..."}
Paths are optional; keep features small enough that one test file covers each.`, goal)
}

func testPrompt(f *Feature) string {
	return fmt.Sprintf(`Write the failing tests for this feature, test-first.

Feature: %s
Test file: %s
Implementation file (does not exist yet): %s

Respond with the complete test file inside a fenced code block.`, f.Description, f.TestFilePath, f.ImplementationFilePath)
}

func implementPrompt(f *Feature, dir, testOutput string, attempt int) string {
	var b strings.Builder
	if attempt == 0 {
		fmt.Fprintf(&b, "Implement this feature so its tests pass.\n\nFeature: %s\n", f.Description)
	} else {
		fmt.Fprintf(&b, "The implementation still fails its tests. Fix it.\n\nFeature: %s\n", f.Description)
	}
	fmt.Fprintf(&b, "Implementation file: %s\nTest file: %s\n", f.ImplementationFilePath, f.TestFilePath)
	fmt.Fprintf(&b, "\nLatest test output:\n%s\n", outputTail(testOutput, reportTailChars))
	b.WriteString("\nRespond with the complete implementation file inside a fenced code block.")
	return b.String()
}

func refactorPrompt(f *Feature, code string) string {
	return fmt.Sprintf(`The tests for this feature pass. Refactor the implementation for
clarity if worthwhile; otherwise return it unchanged.

Feature: %s

Current implementation:
%s

Respond with the complete file inside a fenced code block.`, f.Description, code)
}
