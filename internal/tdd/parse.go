package tdd

import "strings"

var failureMarkers = []string{"FAIL", "✗", "✘", "failing", "failed", "AssertionError", "Error:"}
var successMarkers = []string{"PASS", "✓", "✔", "passing", "passed", "ok "}

// TestsPassed decides a test run's outcome. The exit code is the
// primary signal; output markers break ties when the exit code and the
// printed markers disagree. On mixed output the scan runs from the end,
// because summary lines follow per-test noise.
func TestsPassed(output string, exitCode int) bool {
	hasFail := containsAny(output, failureMarkers)
	hasPass := containsAny(output, successMarkers)

	if exitCode == 0 && !hasFail {
		return true
	}
	if exitCode != 0 && !hasPass {
		return false
	}

	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if containsAny(line, failureMarkers) {
			return false
		}
		if containsAny(line, successMarkers) {
			return true
		}
	}
	return exitCode == 0
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// outputTail returns the last n characters of a test run's output for
// inclusion in the report.
func outputTail(output string, n int) string {
	if len(output) <= n {
		return output
	}
	return output[len(output)-n:]
}
