package tdd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/withmagi/magi/internal/agent"
	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/providers"
)

// scriptedProvider replies with one canned completion per Stream call.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, model string, req *providers.Request) (<-chan providers.StreamEvent, error) {
	p.mu.Lock()
	reply := ""
	if len(p.replies) > 0 {
		reply = p.replies[0]
		p.replies = p.replies[1:]
	}
	p.mu.Unlock()

	out := make(chan providers.StreamEvent, 1)
	out <- providers.StreamEvent{Type: providers.EventMessageComplete, Content: reply}
	close(out)
	return out, nil
}

type execResult struct {
	output string
	exit   int
}

// scriptedExec replays canned test-run results and records the argv of
// every call.
type scriptedExec struct {
	mu       sync.Mutex
	results  []execResult
	commands [][]string
}

func (e *scriptedExec) Run(ctx context.Context, dir string, argv []string) (string, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, argv)
	if len(e.results) == 0 {
		return "", 0, nil
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r.output, r.exit, nil
}

func newTestTDD(t *testing.T, replies []string, results []execResult) (*Orchestrator, *scriptedExec) {
	t.Helper()
	cat := catalog.NewEmptyCatalog()
	cat.Register(&catalog.Entry{
		ID:       "m1",
		Provider: "scripted",
		Class:    catalog.ClassStandard,
		Score:    1,
	})
	runner := agent.NewRunner(cat,
		map[catalog.Provider]providers.Provider{"scripted": &scriptedProvider{replies: replies}},
		agent.NewEngine(agent.NewRegistry(), nil, nil),
		nil, nil, catalog.ClassStandard)

	exec := &scriptedExec{results: results}
	o := New(runner,
		agent.New("planner", "", "Plan features."),
		agent.New("tester", "", "Write tests."),
		agent.New("writer", "", "Write code."),
		exec, nil)
	return o, exec
}

const planReply = "```json\n" + `[{"id": "adder", "description": "Add two numbers", "depends_on": []}]` + "\n```"

func fenced(code string) string {
	return "```js\n" + code + "\n```"
}

func TestRunCompletesFeature(t *testing.T) {
	dir := t.TempDir()
	impl := "module.exports = (a, b) => a + b;"

	replies := []string{
		planReply,
		fenced("test('adds', () => {});"), // tester
		fenced(impl),                      // writer, GREEN
		fenced(impl),                      // writer, REFACTOR (unchanged)
	}
	results := []execResult{
		{"FAIL cannot find module", 1}, // RED
		{"PASS 1 passed", 0},           // GREEN
		{"PASS 1 passed", 0},           // integration
	}

	o, exec := newTestTDD(t, replies, results)
	report, err := o.Run(context.Background(), dir, "build an adder")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Counts[StatusCompleted] != 1 {
		t.Errorf("counts = %v", report.Counts)
	}
	wrote, err := os.ReadFile(filepath.Join(dir, "src/add-two-numbers.js"))
	if err != nil {
		t.Fatalf("implementation not written: %v", err)
	}
	if !strings.Contains(string(wrote), "a + b") {
		t.Errorf("implementation = %q", wrote)
	}
	if _, err := os.Stat(filepath.Join(dir, "test/add-two-numbers.test.js")); err != nil {
		t.Errorf("test file not written: %v", err)
	}
	// RED, GREEN, integration: refactor returned identical code, so no
	// extra run happened.
	if len(exec.commands) != 3 {
		t.Errorf("exec ran %d times: %v", len(exec.commands), exec.commands)
	}
}

func TestRunMarksFeatureFailedAfterRetries(t *testing.T) {
	dir := t.TempDir()
	replies := []string{
		planReply,
		fenced("test('adds', () => {});"),
		fenced("broken 1"),
		fenced("broken 2"),
	}
	results := []execResult{
		{"FAIL no impl", 1},  // RED
		{"FAIL still", 1},    // GREEN attempt 1
		{"FAIL still", 1},    // GREEN attempt 2
		{"FAIL overall", 1},  // integration
	}

	o, _ := newTestTDD(t, replies, results)
	o.MaxRetries = 1

	report, err := o.Run(context.Background(), dir, "build an adder")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Counts[StatusFailed] != 1 {
		t.Errorf("counts = %v", report.Counts)
	}
	if !strings.Contains(report.FinalOutput, "FAIL overall") {
		t.Errorf("final output = %q", report.FinalOutput)
	}
}

func TestRunRevertsBrokenRefactor(t *testing.T) {
	dir := t.TempDir()
	goodImpl := "module.exports = (a, b) => a + b;"
	badRefactor := "module.exports = () => { throw new Error('refactored'); };"

	replies := []string{
		planReply,
		fenced("test('adds', () => {});"),
		fenced(goodImpl),
		fenced(badRefactor),
	}
	results := []execResult{
		{"FAIL no impl", 1},      // RED
		{"PASS", 0},              // GREEN
		{"FAIL refactor broke", 1}, // REFACTOR check
		{"PASS", 0},              // integration
	}

	o, _ := newTestTDD(t, replies, results)
	report, err := o.Run(context.Background(), dir, "build an adder")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Counts[StatusCompleted] != 1 {
		t.Errorf("counts = %v", report.Counts)
	}
	wrote, _ := os.ReadFile(filepath.Join(dir, "src/add-two-numbers.js"))
	if !strings.Contains(string(wrote), "a + b") {
		t.Errorf("refactor was not reverted: %q", wrote)
	}
}

func TestRunFailsOnPlanCycle(t *testing.T) {
	cyclePlan := "```json\n" + `[
  {"id": "a", "description": "a", "depends_on": ["b"]},
  {"id": "b", "description": "b", "depends_on": ["a"]}
]` + "\n```"

	o, _ := newTestTDD(t, []string{cyclePlan}, nil)
	if _, err := o.Run(context.Background(), t.TempDir(), "impossible"); err == nil {
		t.Fatal("expected cycle error")
	}
}
