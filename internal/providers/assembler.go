package providers

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/withmagi/magi/pkg/models"
)

// Finish reasons shared by all adapters.
const (
	finishStop      = "stop"
	finishLength    = "length"
	finishToolCalls = "tool_calls"
)

// flushThreshold is the buffered-delta size at which a message_delta is
// emitted. Deltas are coalesced up to this size; order stays monotonic
// within the message.
const flushThreshold = 64

// assembler converts a back-end's primitive stream into StreamEvents. It
// owns delta buffering, citation markers, end-of-stream simulated
// tool-call parsing, and finish-reason handling. One assembler per call.
type assembler struct {
	out       chan<- StreamEvent
	messageID string
	model     string

	buf       strings.Builder
	full      strings.Builder
	thinking  strings.Builder
	order     int
	citations *CitationTracker
	toolCalls []models.ToolCall
	usage     *models.CostUsage
}

func newAssembler(out chan<- StreamEvent, model string) *assembler {
	return &assembler{
		out:       out,
		messageID: uuid.NewString(),
		model:     model,
		citations: NewCitationTracker(),
	}
}

// OnText buffers a text delta, flushing when the buffer crosses the
// threshold.
func (a *assembler) OnText(text string) {
	if text == "" {
		return
	}
	a.buf.WriteString(text)
	a.full.WriteString(text)
	if a.buf.Len() >= flushThreshold {
		a.flush()
	}
}

// OnThinking accumulates thinking content; it is attached to deltas and
// the final message rather than streamed independently.
func (a *assembler) OnThinking(text string) {
	a.thinking.WriteString(text)
}

// OnCitation records an annotation and appends its inline marker to the
// content stream.
func (a *assembler) OnCitation(url, title string) {
	marker := a.citations.Add(url, title)
	if marker != "" {
		a.buf.WriteString(marker)
		a.full.WriteString(marker)
	}
}

// OnToolCall records one complete native tool call.
func (a *assembler) OnToolCall(call models.ToolCall) {
	a.toolCalls = append(a.toolCalls, call)
}

// OnUsage records token usage reported by the back-end.
func (a *assembler) OnUsage(u *models.CostUsage) {
	if u == nil {
		return
	}
	if u.Model == "" {
		u.Model = a.model
	}
	if u.Timestamp == "" {
		u.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	a.usage = u
}

func (a *assembler) flush() {
	if a.buf.Len() == 0 {
		return
	}
	a.out <- StreamEvent{
		Type:      EventMessageDelta,
		Content:   a.buf.String(),
		MessageID: a.messageID,
		Order:     a.order,
	}
	a.order++
	a.buf.Reset()
}

// Finish completes the stream for the given finish reason:
// length emits an error carrying the partial content, tool_calls emits
// tool_start with the collected calls, stop attempts a simulated
// tool-call parse before emitting message_complete. A cost_update follows
// whenever usage was reported.
func (a *assembler) Finish(reason string) {
	a.flush()
	content := a.full.String()
	if !a.citations.Empty() {
		content += a.citations.Footnotes()
	}

	switch reason {
	case finishLength:
		a.out <- StreamEvent{
			Type:      EventError,
			Error:     "response truncated: max output length reached",
			Content:   content,
			MessageID: a.messageID,
		}
	case finishToolCalls:
		a.out <- StreamEvent{Type: EventToolStart, ToolCalls: a.toolCalls, MessageID: a.messageID}
	default:
		if len(a.toolCalls) > 0 {
			a.out <- StreamEvent{Type: EventToolStart, ToolCalls: a.toolCalls, MessageID: a.messageID}
		} else if cleaned, calls, ok := ParseSimulatedToolCalls(content); ok {
			if cleaned != "" {
				a.out <- StreamEvent{
					Type:            EventMessageComplete,
					Content:         cleaned,
					MessageID:       a.messageID,
					ThinkingContent: a.thinking.String(),
				}
			}
			a.out <- StreamEvent{Type: EventToolStart, ToolCalls: calls, MessageID: a.messageID}
		} else {
			a.out <- StreamEvent{
				Type:            EventMessageComplete,
				Content:         content,
				MessageID:       a.messageID,
				ThinkingContent: a.thinking.String(),
			}
		}
	}

	if a.usage != nil {
		a.out <- StreamEvent{Type: EventCostUpdate, Usage: a.usage, MessageID: a.messageID}
	}
}

// Fail flushes pending content and emits a terminal error event.
func (a *assembler) Fail(err error) {
	a.flush()
	a.out <- StreamEvent{Type: EventError, Error: err.Error(), MessageID: a.messageID}
	if a.usage != nil {
		a.out <- StreamEvent{Type: EventCostUpdate, Usage: a.usage, MessageID: a.messageID}
	}
}
