package gateway

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/withmagi/magi/internal/observability"
	"github.com/withmagi/magi/pkg/models"
)

// stopWatchdogDelay is how long a stop command gets before the target
// is force-stopped.
const stopWatchdogDelay = 5 * time.Second

// Handler is a custom event handler. A non-nil, non-empty return value
// is sent back to the source process as "<eventType>_response" and
// marks the event fully handled; an empty return falls through to the
// built-in behaviors.
type Handler func(processID string, e *models.Event) map[string]any

// ProcessController is the surface the router needs from the process
// manager.
type ProcessController interface {
	CreateProcess(p *models.AgentProcess) error
	ProcessStatus(processID string) (string, bool)
	UpdateStatus(processID, status string)
	MarkFailed(processID, errMsg string)
	ForceStop(processID string)
	RecordPullRequest(processID, projectID, branch, message, patchID string)
	CreateProject(projectID string) error
	DeleteProject(projectID string) error
}

// Router dispatches inbound events: custom handlers first, then the
// built-in process, project and command behaviors.
type Router struct {
	hub     *Hub
	manager ProcessController
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler

	completionMu sync.Mutex
	completions  map[string][]func()

	// Speak, when set, voices talk_to_ tool calls. Fire and forget.
	Speak func(message, affect string)

	watchdogDelay time.Duration
}

// NewRouter creates a router bound to a hub and process manager.
func NewRouter(hub *Hub, manager ProcessController, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		hub:           hub,
		manager:       manager,
		logger:        logger,
		metrics:       metrics,
		handlers:      make(map[string]Handler),
		completions:   make(map[string][]func()),
		watchdogDelay: stopWatchdogDelay,
	}
}

// RegisterHandler installs a custom handler for an event type,
// replacing any previous one.
func (r *Router) RegisterHandler(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// OnProcessDone registers a completion callback for a process. All
// callbacks run once, on the first process_done from that process.
func (r *Router) OnProcessDone(processID string, fn func()) {
	r.completionMu.Lock()
	defer r.completionMu.Unlock()
	r.completions[processID] = append(r.completions[processID], fn)
}

// Dispatch routes one inbound event.
func (r *Router) Dispatch(processID string, e *models.Event) {
	if handler := r.customHandler(e.Type); handler != nil {
		response := handler(processID, e)
		if len(response) > 0 {
			r.sendResponse(processID, e.Type, response)
			r.countRouted(e.Type, "handled")
			return
		}
	}
	r.dispatchBuiltin(processID, e)
}

func (r *Router) customHandler(eventType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}

func (r *Router) sendResponse(processID, eventType string, response map[string]any) {
	event := map[string]any{"type": eventType + "_response"}
	for k, v := range response {
		event[k] = v
	}
	r.hub.SendRaw(processID, map[string]any{"processId": processID, "event": event})
}

func (r *Router) dispatchBuiltin(processID string, e *models.Event) {
	outcome := "builtin"
	switch e.Type {
	case models.EventProcessDone:
		r.manager.UpdateStatus(processID, models.StatusCompleted)
		r.runCompletions(processID)
		r.forwardToCore(processID, e)

	case models.EventGitPullRequest:
		source := e.ProcessID
		if source == "" {
			source = processID
		}
		r.manager.RecordPullRequest(source, e.ProjectID, e.Branch, e.Message, e.PatchID)

	case models.EventCommandStart:
		r.handleCommandStart(processID, e)

	case models.EventProcessStart:
		if e.AgentProcess != nil {
			if err := r.manager.CreateProcess(e.AgentProcess); err != nil {
				r.logger.Error("process create failed", "process", e.AgentProcess.ProcessID, "error", err)
			}
		}

	case models.EventProjectCreate:
		r.handleProjectCreate(e.ProjectID)

	case models.EventProjectDelete:
		if err := r.manager.DeleteProject(e.ProjectID); err != nil {
			r.logger.Error("project delete failed", "project", e.ProjectID, "error", err)
		}
		r.notifyCore(models.Event{Type: models.EventProjectDeleteComplete, ProjectID: e.ProjectID})

	case models.EventProcessFailed:
		r.manager.MarkFailed(processID, e.Error)
		r.forwardToCore(processID, e)
		r.manager.ForceStop(processID)

	case models.EventProcessRunning, models.EventProcessUpdated, models.EventProcessWaiting:
		if status := lifecycleStatus(e.Type); status != "" {
			r.manager.UpdateStatus(processID, status)
		}
		r.forwardToCore(processID, e)

	case models.EventProcessTerminated:
		r.manager.UpdateStatus(processID, models.StatusTerminated)
		if processID != r.hub.CoreProcessID() {
			r.forwardToCore(processID, e)
		}

	case models.EventToolStart:
		r.handleSpeech(e)

	case models.EventSystemStatus:
		if processID == r.hub.CoreProcessID() {
			r.hub.Broadcaster().PublishSystemStatus(e.Status)
		}

	case models.EventCostUpdate:
		// Accounted by the hub inline with the reader.

	default:
		outcome = "fanout"
	}
	r.countRouted(e.Type, outcome)
}

// handleCommandStart guards the core against stop, forwards everything
// else to the target with the source attached, and arms the stop
// watchdog.
func (r *Router) handleCommandStart(source string, e *models.Event) {
	if e.Command == models.SystemCommandStop && e.TargetProcessID == r.hub.CoreProcessID() {
		r.hub.SendSystemMessage(source, "Can not stop the core process.")
		return
	}

	target := e.TargetProcessID
	r.hub.SendCommand(target, e.Command, map[string]any{"sourceProcessId": source})

	if e.Command == models.SystemCommandStop {
		go r.stopWatchdog(target)
	}
}

// stopWatchdog force-stops a process that has not reached a terminal
// status within the grace period.
func (r *Router) stopWatchdog(target string) {
	time.Sleep(r.watchdogDelay)
	status, ok := r.manager.ProcessStatus(target)
	if ok && models.TerminalStatus(status) {
		return
	}
	r.logger.Warn("stop watchdog fired", "process", target, "status", status)
	r.manager.ForceStop(target)
}

func (r *Router) handleProjectCreate(projectID string) {
	if err := r.manager.CreateProject(projectID); err != nil {
		r.logger.Error("project create failed", "project", projectID, "error", err)
		if delErr := r.manager.DeleteProject(projectID); delErr != nil {
			r.logger.Warn("partial project cleanup failed", "project", projectID, "error", delErr)
		}
		r.notifyCore(models.Event{
			Type:      models.EventProjectUpdate,
			ProjectID: projectID,
			Message:   err.Error(),
			Failed:    true,
		})
		return
	}
	r.notifyCore(models.Event{Type: models.EventProjectUpdate, ProjectID: projectID})
}

// handleSpeech voices talk_to_ tool calls that carry a message and an
// affect.
func (r *Router) handleSpeech(e *models.Event) {
	if r.Speak == nil {
		return
	}
	calls := e.ToolCalls
	if len(calls) == 0 && e.ToolCall != nil {
		calls = []models.ToolCall{*e.ToolCall}
	}
	for _, call := range calls {
		if !strings.HasPrefix(call.Function.Name, "talk_to_") {
			continue
		}
		var args struct {
			Message string `json:"message"`
			Affect  string `json:"affect"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			continue
		}
		if args.Message == "" || args.Affect == "" {
			continue
		}
		go r.Speak(args.Message, args.Affect)
	}
}

// lifecycleStatus maps a lifecycle event type to a process status.
// process_updated carries no status change.
func lifecycleStatus(eventType string) string {
	switch eventType {
	case models.EventProcessRunning:
		return models.StatusRunning
	case models.EventProcessWaiting:
		return models.StatusWaiting
	}
	return ""
}

func (r *Router) runCompletions(processID string) {
	r.completionMu.Lock()
	fns := r.completions[processID]
	delete(r.completions, processID)
	r.completionMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// forwardToCore wraps an event in a process_event frame for the core.
func (r *Router) forwardToCore(source string, e *models.Event) {
	core := r.hub.CoreProcessID()
	if core == "" {
		return
	}
	r.hub.SendRaw(core, map[string]any{
		"processId": core,
		"event": map[string]any{
			"type":      models.EventProcessEvent,
			"processId": source,
			"event":     e,
		},
	})
}

func (r *Router) notifyCore(e models.Event) {
	core := r.hub.CoreProcessID()
	if core == "" {
		return
	}
	r.hub.SendRaw(core, models.MagiMessage{ProcessID: core, Event: e})
}

func (r *Router) countRouted(eventType, outcome string) {
	if r.metrics != nil {
		r.metrics.EventsRouted.WithLabelValues(eventType, outcome).Inc()
	}
}
