package orchestrator

import (
	"encoding/json"
	"strings"
)

// Control markers recognized in a stage's final text. Stages communicate
// flow control in-band: STATUS signals retry or failure, NEXT names the
// following stage, METADATA carries a JSON object for the next stage's
// factory.
const (
	markerStatus   = "STATUS:"
	markerNext     = "NEXT:"
	markerMetadata = "METADATA:"

	statusNeedsRetry = "NEEDS_RETRY"
	statusFailure    = "FAILURE"
)

// parseMarkers extracts the control markers from a stage response. The
// last occurrence of each marker wins. Metadata that fails to parse is
// returned as a nil map together with the raw payload so the caller can
// log it.
func parseMarkers(output string) (status, next string, metadata map[string]any, rawMetadata string) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, markerStatus):
			status = strings.TrimSpace(strings.TrimPrefix(trimmed, markerStatus))
		case strings.HasPrefix(trimmed, markerNext):
			next = strings.TrimSpace(strings.TrimPrefix(trimmed, markerNext))
		case strings.HasPrefix(trimmed, markerMetadata):
			rawMetadata = strings.TrimSpace(strings.TrimPrefix(trimmed, markerMetadata))
		}
	}

	if rawMetadata != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(rawMetadata), &decoded); err == nil {
			metadata = decoded
			rawMetadata = ""
		}
	}
	return status, next, metadata, rawMetadata
}

// isTerminal reports whether a next-stage value ends the sequence. An
// empty value and the literal "null" both terminate.
func isTerminal(next string) bool {
	return next == "" || strings.EqualFold(next, "null")
}
