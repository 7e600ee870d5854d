package tdd

import "testing"

func TestTestsPassed(t *testing.T) {
	cases := []struct {
		name   string
		output string
		exit   int
		want   bool
	}{
		{"clean pass", "Tests: 3 passed\nPASS", 0, true},
		{"clean fail", "Tests: 1 failed\nFAIL", 1, false},
		{"exit code only", "no markers at all", 0, true},
		{"exit code only failure", "no markers at all", 1, false},
		{"mixed, summary says pass", "FAIL old snapshot\n...\nAll tests passed", 0, true},
		{"mixed, summary says fail", "PASS module a\nPASS module b\nFAIL module c", 1, false},
		{"nonzero exit but pass summary scanned from end", "some noise\nFAIL flaky first try\n2 passing", 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TestsPassed(tc.output, tc.exit); got != tc.want {
				t.Errorf("TestsPassed(%q, %d) = %v, want %v", tc.output, tc.exit, got, tc.want)
			}
		})
	}
}

func TestOutputTail(t *testing.T) {
	if got := outputTail("abcdef", 3); got != "def" {
		t.Errorf("got %q", got)
	}
	if got := outputTail("ab", 10); got != "ab" {
		t.Errorf("got %q", got)
	}
}
