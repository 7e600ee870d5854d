package tdd

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// TestRunner names a detected test framework and how to invoke it.
type TestRunner struct {
	Name string
	// Ext is the source extension the project uses.
	Ext string
	// command builds the argv for running the given test files; empty
	// files means the whole suite.
	command func(files []string) []string
}

// Command returns the argv for running the given test files.
func (r *TestRunner) Command(files []string) []string {
	return r.command(files)
}

var runners = map[string]func(ext string) *TestRunner{
	"vitest": func(ext string) *TestRunner {
		return &TestRunner{Name: "vitest", Ext: ext, command: func(files []string) []string {
			return append([]string{"npx", "vitest", "run"}, files...)
		}}
	},
	"jest": func(ext string) *TestRunner {
		return &TestRunner{Name: "jest", Ext: ext, command: func(files []string) []string {
			return append([]string{"npx", "jest"}, files...)
		}}
	},
	"mocha": func(ext string) *TestRunner {
		return &TestRunner{Name: "mocha", Ext: ext, command: func(files []string) []string {
			return append([]string{"npx", "mocha"}, files...)
		}}
	},
	"pytest": func(string) *TestRunner {
		return &TestRunner{Name: "pytest", Ext: "py", command: func(files []string) []string {
			return append([]string{"pytest", "-v"}, files...)
		}}
	},
	"gotest": func(string) *TestRunner {
		return &TestRunner{Name: "gotest", Ext: "go", command: func(files []string) []string {
			if len(files) == 0 {
				return []string{"go", "test", "./..."}
			}
			return append([]string{"go", "test"}, files...)
		}}
	},
}

// DetectRunner inspects a project directory for its test framework:
// package.json scripts and dependencies first, then framework config
// files. Falls back to jest for JS projects and to jest generally.
func DetectRunner(dir string) *TestRunner {
	ext := "js"
	if raw, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg struct {
			Scripts         map[string]string `json:"scripts"`
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if json.Unmarshal(raw, &pkg) == nil {
			if hasDep(pkg.DevDependencies, "typescript") || hasDep(pkg.Dependencies, "typescript") {
				ext = "ts"
			}
			for _, name := range []string{"vitest", "jest", "mocha"} {
				if strings.Contains(pkg.Scripts["test"], name) ||
					hasDep(pkg.Dependencies, name) || hasDep(pkg.DevDependencies, name) {
					return runners[name](ext)
				}
			}
		}
	}

	configs := []struct {
		glob   string
		runner string
	}{
		{"vitest.config.*", "vitest"},
		{"jest.config.*", "jest"},
		{".mocharc.*", "mocha"},
		{"pytest.ini", "pytest"},
		{"pyproject.toml", "pytest"},
		{"go.mod", "gotest"},
	}
	for _, c := range configs {
		if matches, _ := filepath.Glob(filepath.Join(dir, c.glob)); len(matches) > 0 {
			return runners[c.runner](ext)
		}
	}
	return runners["jest"](ext)
}

func hasDep(deps map[string]string, name string) bool {
	_, ok := deps[name]
	return ok
}

// CommandExecutor runs test commands. The process executor shells out;
// tests substitute a scripted one.
type CommandExecutor interface {
	Run(ctx context.Context, dir string, argv []string) (output string, exitCode int, err error)
}

// ExecRunner executes commands with os/exec, merging stdout and stderr.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, argv []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(out), exitErr.ExitCode(), nil
	}
	return string(out), -1, err
}
