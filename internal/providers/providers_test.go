package providers

import (
	"strings"
	"testing"

	"github.com/withmagi/magi/pkg/models"
)

func TestParseSimulatedToolCalls(t *testing.T) {
	content := "Let me check.\nTOOL_CALLS: [{\"name\": \"read_file\", \"arguments\": {\"path\": \"main.go\"}}]"
	cleaned, calls, ok := ParseSimulatedToolCalls(content)
	if !ok {
		t.Fatal("marker not recognized")
	}
	if cleaned != "Let me check." {
		t.Errorf("cleaned = %q", cleaned)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Function.Name != "read_file" {
		t.Errorf("name = %q", calls[0].Function.Name)
	}
	if calls[0].Function.Arguments != `{"path": "main.go"}` {
		t.Errorf("arguments = %q", calls[0].Function.Arguments)
	}
	if !strings.HasPrefix(calls[0].ID, "sim_") {
		t.Errorf("generated id = %q", calls[0].ID)
	}
}

func TestParseSimulatedToolCallsLastMarkerWins(t *testing.T) {
	content := "TOOL_CALLS: [{\"name\": \"first\", \"arguments\": {}}]\n" +
		"some prose\n" +
		"TOOL_CALLS: [{\"name\": \"second\", \"arguments\": {}}]"
	_, calls, ok := ParseSimulatedToolCalls(content)
	if !ok || len(calls) != 1 {
		t.Fatalf("ok=%v calls=%d", ok, len(calls))
	}
	if calls[0].Function.Name != "second" {
		t.Errorf("name = %q, want the last marker's payload", calls[0].Function.Name)
	}
}

func TestParseSimulatedToolCallsInsideFence(t *testing.T) {
	content := "Done with analysis.\n```json\nTOOL_CALLS: [{\"name\": \"run\", \"arguments\": \"{}\"}]\n```"
	cleaned, calls, ok := ParseSimulatedToolCalls(content)
	if !ok {
		t.Fatal("fenced marker not recognized")
	}
	if cleaned != "Done with analysis." {
		t.Errorf("cleaned = %q, fence should be removed", cleaned)
	}
	if calls[0].Function.Arguments != "{}" {
		t.Errorf("string arguments = %q", calls[0].Function.Arguments)
	}
}

func TestParseSimulatedToolCallsPlaceholder(t *testing.T) {
	content := "Before.\nTOOL_CALLS: [{\"name\": \"x\", \"arguments\": {}}]\nAfter."
	cleaned, _, ok := ParseSimulatedToolCalls(content)
	if !ok {
		t.Fatal("not recognized")
	}
	want := "Before.\n" + SimulatedToolCallsPlaceholder + "\nAfter."
	if cleaned != want {
		t.Errorf("cleaned = %q, want %q", cleaned, want)
	}
}

func TestParseSimulatedToolCallsRejectsBadPayloads(t *testing.T) {
	cases := []string{
		"no marker here",
		"TOOL_CALLS: not json",
		"TOOL_CALLS: [{\"arguments\": {}}]", // missing name
	}
	for _, content := range cases {
		cleaned, calls, ok := ParseSimulatedToolCalls(content)
		if ok || calls != nil {
			t.Errorf("%q: ok=%v calls=%v", content, ok, calls)
		}
		if cleaned != content {
			t.Errorf("%q: content altered to %q", content, cleaned)
		}
	}
}

func TestParseSimulatedToolCallsFunctionShape(t *testing.T) {
	content := "TOOL_CALLS: [{\"id\": \"call_1\", \"function\": {\"name\": \"grep\", \"arguments\": \"{\\\"q\\\": \\\"x\\\"}\"}}]"
	_, calls, ok := ParseSimulatedToolCalls(content)
	if !ok || len(calls) != 1 {
		t.Fatalf("ok=%v calls=%d", ok, len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "grep" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"q": "x"}` {
		t.Errorf("arguments = %q", calls[0].Function.Arguments)
	}
}

func TestCitationTrackerDeduplicates(t *testing.T) {
	c := NewCitationTracker()
	if m := c.Add("https://a.example", "A"); m != " [1]" {
		t.Errorf("first = %q", m)
	}
	if m := c.Add("https://b.example", ""); m != " [2]" {
		t.Errorf("second = %q", m)
	}
	if m := c.Add("https://a.example", "A again"); m != " [1]" {
		t.Errorf("repeat = %q, numbers must be stable", m)
	}
	if m := c.Add("", "no url"); m != "" {
		t.Errorf("empty url = %q", m)
	}

	want := "\n\nReferences:\n[1] A - https://a.example\n[2] https://b.example"
	if got := c.Footnotes(); got != want {
		t.Errorf("footnotes = %q, want %q", got, want)
	}
}

func collectEvents(run func(a *assembler)) []StreamEvent {
	out := make(chan StreamEvent, 32)
	a := newAssembler(out, "test-model")
	run(a)
	close(out)
	var events []StreamEvent
	for e := range out {
		events = append(events, e)
	}
	return events
}

func TestAssemblerCoalescesDeltas(t *testing.T) {
	events := collectEvents(func(a *assembler) {
		a.OnText("short ")
		a.OnText("pieces")
		a.Finish(finishStop)
	})
	if len(events) != 2 {
		t.Fatalf("events = %d: %+v", len(events), events)
	}
	if events[0].Type != EventMessageDelta || events[0].Content != "short pieces" || events[0].Order != 0 {
		t.Errorf("delta = %+v", events[0])
	}
	if events[1].Type != EventMessageComplete || events[1].Content != "short pieces" {
		t.Errorf("complete = %+v", events[1])
	}
	if events[0].MessageID == "" || events[0].MessageID != events[1].MessageID {
		t.Error("message id not stable across the stream")
	}
}

func TestAssemblerFlushesAtThreshold(t *testing.T) {
	big := strings.Repeat("x", flushThreshold+5)
	events := collectEvents(func(a *assembler) {
		a.OnText(big)
		a.OnText("tail")
		a.Finish(finishStop)
	})
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Content != big || events[0].Order != 0 {
		t.Errorf("first delta = %+v", events[0])
	}
	if events[1].Content != "tail" || events[1].Order != 1 {
		t.Errorf("second delta = %+v", events[1])
	}
	if events[2].Content != big+"tail" {
		t.Errorf("complete content = %q", events[2].Content)
	}
}

func TestAssemblerLengthFinishIsError(t *testing.T) {
	events := collectEvents(func(a *assembler) {
		a.OnText("partial")
		a.Finish(finishLength)
	})
	last := events[len(events)-1]
	if last.Type != EventError || last.Content != "partial" {
		t.Errorf("last = %+v", last)
	}
}

func TestAssemblerNativeToolCalls(t *testing.T) {
	call := models.NewToolCall("c1", "search", `{"q":"go"}`)
	events := collectEvents(func(a *assembler) {
		a.OnToolCall(call)
		a.Finish(finishToolCalls)
	})
	if len(events) != 1 || events[0].Type != EventToolStart {
		t.Fatalf("events = %+v", events)
	}
	if len(events[0].ToolCalls) != 1 || events[0].ToolCalls[0].ID != "c1" {
		t.Errorf("calls = %+v", events[0].ToolCalls)
	}
}

func TestAssemblerSimulatedToolCallsAtStop(t *testing.T) {
	events := collectEvents(func(a *assembler) {
		a.OnText("TOOL_CALLS: [{\"name\": \"run\", \"arguments\": {}}]")
		a.Finish(finishStop)
	})
	// The buffered marker text flushes as a delta, then the parse turns the
	// message into a tool_start with no message_complete.
	last := events[len(events)-1]
	if last.Type != EventToolStart {
		t.Fatalf("last = %+v", last)
	}
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Function.Name != "run" {
		t.Errorf("calls = %+v", last.ToolCalls)
	}
	for _, e := range events {
		if e.Type == EventMessageComplete {
			t.Errorf("unexpected message_complete: %+v", e)
		}
	}
}

func TestAssemblerUsageFillsModelAndTimestamp(t *testing.T) {
	events := collectEvents(func(a *assembler) {
		a.OnText("hi")
		a.OnUsage(&models.CostUsage{InputTokens: 10, OutputTokens: 2})
		a.Finish(finishStop)
	})
	last := events[len(events)-1]
	if last.Type != EventCostUpdate {
		t.Fatalf("last = %+v", last)
	}
	if last.Usage.Model != "test-model" {
		t.Errorf("model = %q", last.Usage.Model)
	}
	if last.Usage.Timestamp == "" {
		t.Error("timestamp not stamped")
	}
}

func TestAssemblerCitationsAppendFootnotes(t *testing.T) {
	events := collectEvents(func(a *assembler) {
		a.OnText("Go is popular")
		a.OnCitation("https://survey.example", "Survey")
		a.Finish(finishStop)
	})
	var complete *StreamEvent
	for i := range events {
		if events[i].Type == EventMessageComplete {
			complete = &events[i]
		}
	}
	if complete == nil {
		t.Fatal("no message_complete")
	}
	if !strings.Contains(complete.Content, "Go is popular [1]") {
		t.Errorf("inline marker missing: %q", complete.Content)
	}
	if !strings.Contains(complete.Content, "References:\n[1] Survey - https://survey.example") {
		t.Errorf("footnotes missing: %q", complete.Content)
	}
}
