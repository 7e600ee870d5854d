// Package models defines the shared wire types exchanged between the
// controller and agent containers: the MagiMessage envelope, the event
// taxonomy, tool calls, and canonical conversation history items.
package models

import (
	"encoding/json"
	"time"
)

// Event types sent upstream (container → controller).
const (
	EventMessageDelta    = "message_delta"
	EventMessageComplete = "message_complete"
	EventToolStart       = "tool_start"
	EventToolDone        = "tool_done"
	EventCostUpdate      = "cost_update"
	EventProcessStart    = "process_start"
	EventProcessRunning  = "process_running"
	EventProcessUpdated  = "process_updated"
	EventProcessDone     = "process_done"
	EventProcessWaiting  = "process_waiting"
	EventProcessTerminated = "process_terminated"
	EventProcessFailed   = "process_failed"
	EventProjectCreate   = "project_create"
	EventProjectDelete   = "project_delete"
	EventCommandStart    = "command_start"
	EventGitPullRequest  = "git_pull_request"
	EventSystemStatus    = "system_status"
	EventAgentStart      = "agent_start"
	EventAgentUpdated    = "agent_updated"
	EventError           = "error"
)

// Event types sent downstream (controller → container).
const (
	EventConnect               = "connect"
	EventCommand               = "command"
	EventSystemCommand         = "system_command"
	EventSystemMessage         = "system_message"
	EventProjectUpdate         = "project_update"
	EventProjectReady          = "project_ready"
	EventProjectDeleteComplete = "project_delete_complete"
	EventProcessEvent          = "process_event"
)

// System commands accepted by containers.
const (
	SystemCommandPause  = "pause"
	SystemCommandResume = "resume"
	SystemCommandStop   = "stop"
)

// MagiMessage is the wire envelope for every frame on a duplex channel.
// The envelope's ProcessID must match the channel it arrives on; frames
// that disagree are dropped.
type MagiMessage struct {
	ProcessID string `json:"processId"`
	Event     Event  `json:"event"`
}

// Event is the tagged payload carried by a MagiMessage. All fields other
// than Type are optional; which ones are populated depends on Type.
type Event struct {
	Type string `json:"type"`

	// Streaming message fields.
	Content         string `json:"content,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	Order           int    `json:"order,omitempty"`
	ThinkingContent string `json:"thinking_content,omitempty"`

	// Tool fields. ToolCall is a legacy single-call form still emitted by
	// some containers; ToolCalls is the batch form.
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	ToolCall  *ToolCall       `json:"tool_call,omitempty"`
	Results   json.RawMessage `json:"results,omitempty"`

	// Cost reporting.
	Usage *CostUsage `json:"usage,omitempty"`

	// Process control.
	AgentProcess    *AgentProcess `json:"agentProcess,omitempty"`
	TargetProcessID string        `json:"targetProcessId,omitempty"`
	Command         string        `json:"command,omitempty"`
	Args            json.RawMessage `json:"args,omitempty"`

	// Project and pull-request fields.
	ProjectID string `json:"project_id,omitempty"`
	ProcessID string `json:"processId,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Message   string `json:"message,omitempty"`
	PatchID   string `json:"patchId,omitempty"`
	Failed    bool   `json:"failed,omitempty"`

	// Status and error reporting.
	Status json.RawMessage `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Agent attribution, injected by the runtime when missing.
	Agent *AgentExport `json:"agent,omitempty"`
}

// AgentExport identifies the agent that produced an event.
type AgentExport struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	Model   string `json:"model,omitempty"`
}

// CostUsage reports token usage for a single model call.
type CostUsage struct {
	Model           string  `json:"model"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CachedTokens    int64   `json:"cached_tokens,omitempty"`
	ReasoningTokens int64   `json:"reasoning_tokens,omitempty"`
	ImageCount      int64   `json:"image_count,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	IsFreeTier      bool    `json:"free_tier,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
}

// Time returns the usage timestamp, or the fallback when the timestamp is
// missing or unparseable.
func (u *CostUsage) Time(fallback time.Time) time.Time {
	if u == nil || u.Timestamp == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, u.Timestamp)
	if err != nil {
		return fallback
	}
	return ts
}

// AgentProcess describes a process in process_start requests and
// process-lifecycle events.
type AgentProcess struct {
	ProcessID string `json:"processId,omitempty"`
	Name      string `json:"name,omitempty"`
	Command   string `json:"command,omitempty"`
	ParentID  string `json:"parentProcessId,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Process status values.
const (
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusWaiting    = "waiting"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// TerminalStatus reports whether a process status is final.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}
