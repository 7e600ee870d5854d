package providers

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/withmagi/magi/pkg/models"
)

// SimulatedToolCallsMarker introduces a textual tool-call payload at the
// end of assistant content, used when a model lacks native tool-call
// streaming.
const SimulatedToolCallsMarker = "TOOL_CALLS:"

// SimulatedToolCallsPlaceholder replaces a removed marker when content
// continues after it.
const SimulatedToolCallsPlaceholder = "[Simulated Tool Calls Removed]"

type simulatedCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Function *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseSimulatedToolCalls scans content for a trailing TOOL_CALLS marker,
// optionally inside a triple-backtick fence. The last occurrence wins. On
// success it returns the content with the marker block removed (replaced by
// the placeholder when prose follows it) and the decoded calls.
func ParseSimulatedToolCalls(content string) (cleaned string, calls []models.ToolCall, ok bool) {
	idx := strings.LastIndex(content, SimulatedToolCallsMarker)
	if idx < 0 {
		return content, nil, false
	}

	payloadStart := idx + len(SimulatedToolCallsMarker)
	payload, payloadEnd := extractJSONArray(content[payloadStart:])
	if payload == "" {
		return content, nil, false
	}

	calls = decodeSimulatedCalls(payload)
	if calls == nil {
		return content, nil, false
	}

	// Widen the removed region to swallow a surrounding code fence.
	blockStart := idx
	blockEnd := payloadStart + payloadEnd
	if fenceStart := strings.LastIndex(content[:idx], "```"); fenceStart >= 0 {
		between := content[fenceStart:idx]
		// Only a fence opener (``` or ```json etc.) may sit between the
		// fence and the marker.
		if isFenceOpener(between) {
			blockStart = fenceStart
			rest := content[blockEnd:]
			if closing := strings.Index(rest, "```"); closing >= 0 && strings.TrimSpace(rest[:closing]) == "" {
				blockEnd += closing + 3
			}
		}
	}

	before := strings.TrimRight(content[:blockStart], " \t\n")
	after := strings.TrimSpace(content[blockEnd:])
	if after != "" {
		if before != "" {
			cleaned = before + "\n" + SimulatedToolCallsPlaceholder + "\n" + after
		} else {
			cleaned = SimulatedToolCallsPlaceholder + "\n" + after
		}
	} else {
		cleaned = before
	}
	return cleaned, calls, true
}

// extractJSONArray returns the first balanced JSON array in s and the
// offset just past it.
func extractJSONArray(s string) (string, int) {
	start := strings.Index(s, "[")
	if start < 0 {
		return "", 0
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1
			}
		}
	}
	return "", 0
}

func decodeSimulatedCalls(payload string) []models.ToolCall {
	var raw []simulatedCall
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil
	}

	calls := make([]models.ToolCall, 0, len(raw))
	for _, sc := range raw {
		name := sc.Name
		args := sc.Arguments
		if sc.Function != nil {
			name = sc.Function.Name
			args = sc.Function.Arguments
		}
		if name == "" {
			return nil
		}
		id := sc.ID
		if id == "" {
			id = "sim_" + uuid.NewString()[:8]
		}
		calls = append(calls, models.NewToolCall(id, name, normalizeArguments(args)))
	}
	return calls
}

// normalizeArguments accepts arguments either as a JSON-encoded string or
// a raw object; raw objects are re-stringified.
func normalizeArguments(args json.RawMessage) string {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" {
		return "{}"
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(args, &s); err == nil {
			return s
		}
	}
	return trimmed
}

func isFenceOpener(s string) bool {
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSpace(s)
	// Allow a language tag like "json" on the fence line.
	return len(s) <= 10 && !strings.ContainsAny(s, " \t")
}
