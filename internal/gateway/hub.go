// Package gateway implements the controller side of the duplex channel
// to agent containers: connection registry, message history persistence,
// event routing, cost accounting and UI fan-out.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/observability"
	"github.com/withmagi/magi/internal/usage"
	"github.com/withmagi/magi/pkg/models"
)

// historyFlushEvery is the append count between history flushes.
const historyFlushEvery = 5

// ContainerConnection is the per-process connection record. It survives
// reconnects: the live socket is replaced, the history stays.
type ContainerConnection struct {
	processID string

	mu                sync.Mutex
	conn              *websocket.Conn
	history           []json.RawMessage
	appendsSinceFlush int
}

// ProcessID returns the connection's process id.
func (c *ContainerConnection) ProcessID() string { return c.processID }

// HistoryLen returns the number of recorded messages.
func (c *ContainerConnection) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Hub owns the connection registry and everything that happens inline
// with a reader task: history persistence, cost accounting, path
// rewriting and fan-out.
type Hub struct {
	storageDir     string
	controllerPort int
	coreProcessID  string

	mu    sync.RWMutex
	conns map[string]*ContainerConnection

	router      *Router
	broadcaster *Broadcaster
	tracker     *usage.Tracker
	limits      *usage.LimitEnforcer
	catalog     *catalog.Catalog
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// HubOptions wires a hub's collaborators.
type HubOptions struct {
	StorageDir     string
	ControllerPort int
	CoreProcessID  string
	Broadcaster    *Broadcaster
	Tracker        *usage.Tracker
	Limits         *usage.LimitEnforcer
	Catalog        *catalog.Catalog
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// NewHub creates a hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster()
	}
	if opts.Tracker == nil {
		opts.Tracker = usage.NewTracker()
	}
	return &Hub{
		storageDir:     opts.StorageDir,
		controllerPort: opts.ControllerPort,
		coreProcessID:  opts.CoreProcessID,
		conns:          make(map[string]*ContainerConnection),
		broadcaster:    opts.Broadcaster,
		tracker:        opts.Tracker,
		limits:         opts.Limits,
		catalog:        opts.Catalog,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
}

// SetRouter installs the event router. Must be called before frames
// arrive.
func (h *Hub) SetRouter(r *Router) { h.router = r }

// Broadcaster returns the hub's UI broadcaster.
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }

// CoreProcessID returns the designated core process id.
func (h *Hub) CoreProcessID() string { return h.coreProcessID }

// Tracker returns the hub's cost tracker.
func (h *Hub) Tracker() *usage.Tracker { return h.tracker }

// Attach registers a live socket for a process. A returning process
// keeps its history; the stale socket, if any, is closed. The connect
// handshake goes out before any other traffic.
func (h *Hub) Attach(processID string, conn *websocket.Conn) *ContainerConnection {
	h.mu.Lock()
	cc := h.conns[processID]
	if cc == nil {
		cc = &ContainerConnection{processID: processID}
		cc.history = h.loadHistory(processID)
		h.conns[processID] = cc
	}
	h.mu.Unlock()

	cc.mu.Lock()
	stale := cc.conn
	cc.conn = conn
	cc.mu.Unlock()

	if stale != nil {
		stale.Close()
	} else if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
	h.logger.Info("container attached", "process", processID, "history", cc.HistoryLen())

	h.sendHandshake(processID)
	return cc
}

// Detach releases a reader's socket and flushes the history. The conn
// identifies the reader: when the live socket was already replaced by a
// reconnect, or was released earlier, the call is a no-op. A nil conn
// releases whatever socket is live (the shutdown path).
func (h *Hub) Detach(cc *ContainerConnection, conn *websocket.Conn) {
	cc.mu.Lock()
	if cc.conn == nil || (conn != nil && cc.conn != conn) {
		cc.mu.Unlock()
		return
	}
	cc.conn.Close()
	cc.conn = nil
	history := append([]json.RawMessage(nil), cc.history...)
	cc.appendsSinceFlush = 0
	cc.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
	h.flushHistory(cc.processID, history)
	h.logger.Info("container detached", "process", cc.processID)
}

// Connection returns the record for a process id, or nil.
func (h *Hub) Connection(processID string) *ContainerConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[processID]
}

// sendHandshake sends the connect command a container uses to refresh
// its dial-back endpoint after a controller restart.
func (h *Hub) sendHandshake(processID string) {
	args, _ := json.Marshal(map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"controllerPort": h.controllerPort,
		"coreProcessId":  h.coreProcessID,
	})
	h.SendRaw(processID, models.MagiMessage{
		ProcessID: processID,
		Event:     models.Event{Type: models.EventConnect, Args: args},
	})
}

// HandleFrame processes one inbound frame: schema validation, envelope
// check, history append with periodic flush, path rewriting, UI fan-out,
// cost accounting, then routing.
func (h *Hub) HandleFrame(cc *ContainerConnection, raw []byte) {
	if err := validateFrame(raw); err != nil {
		h.dropFrame("schema", cc.processID, err)
		return
	}

	var msg models.MagiMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.dropFrame("parse", cc.processID, err)
		return
	}
	if msg.ProcessID != cc.processID {
		h.dropFrame("mismatch", cc.processID,
			fmt.Errorf("frame for %q on channel %q", msg.ProcessID, cc.processID))
		return
	}

	if h.metrics != nil {
		h.metrics.FramesReceived.WithLabelValues(msg.Event.Type).Inc()
	}

	h.appendHistory(cc, raw)
	rewriteEventPaths(&msg.Event)
	h.broadcaster.PublishProcessMessage(cc.processID, msg)

	if msg.Event.Type == models.EventCostUpdate && msg.Event.Usage != nil {
		h.handleCostUpdate(cc.processID, msg.Event.Usage)
	}

	if h.router != nil {
		h.router.Dispatch(cc.processID, &msg.Event)
	}
}

func (h *Hub) dropFrame(reason, processID string, err error) {
	if h.metrics != nil {
		h.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
	h.logger.Warn("frame dropped", "process", processID, "reason", reason, "error", err)
}

// handleCostUpdate prices the usage, updates the process window, emits
// the global snapshot on cost:info and runs the daily-limit check.
func (h *Hub) handleCostUpdate(processID string, u *models.CostUsage) {
	cost := u.Cost
	if cost == 0 && h.catalog != nil {
		cost = h.catalog.CalculateCost(u, time.Now().UTC())
	}
	h.tracker.AddUsage(processID, u, cost)

	snapshot := h.tracker.Snapshot()
	if h.metrics != nil {
		h.metrics.CostTotal.Set(snapshot.TotalCost)
	}
	h.broadcaster.PublishCostInfo(snapshot)
	if h.limits != nil {
		h.limits.Check(snapshot.TotalCost)
	}
}

// commandEnvelope is the optional JSON form of a text command. A
// command string that parses to this shape is unpacked into the typed
// command plus a structured content array.
type commandEnvelope struct {
	Command      string `json:"command"`
	ContentArray []any  `json:"contentArray"`
}

// SendCommand delivers a text command to a process. Reports false when
// the process has no live connection or the write fails.
func (h *Hub) SendCommand(processID, command string, args map[string]any) bool {
	event := map[string]any{
		"type":    models.EventCommand,
		"command": command,
	}

	var envelope commandEnvelope
	if err := json.Unmarshal([]byte(command), &envelope); err == nil && envelope.Command != "" {
		event["command"] = envelope.Command
		if len(envelope.ContentArray) > 0 {
			event["content"] = envelope.ContentArray
		}
	}
	if len(args) > 0 {
		event["args"] = args
	}

	return h.SendRaw(processID, map[string]any{
		"processId": processID,
		"event":     event,
	})
}

// SendSystemCommand delivers pause, resume or stop.
func (h *Hub) SendSystemCommand(processID, command string) bool {
	return h.SendRaw(processID, models.MagiMessage{
		ProcessID: processID,
		Event:     models.Event{Type: models.EventSystemCommand, Command: command},
	})
}

// SendSystemMessage delivers a human-readable system message.
func (h *Hub) SendSystemMessage(processID, message string) bool {
	return h.SendRaw(processID, models.MagiMessage{
		ProcessID: processID,
		Event:     models.Event{Type: models.EventSystemMessage, Message: message},
	})
}

// SendRaw delivers an arbitrary JSON frame to a process.
func (h *Hub) SendRaw(processID string, payload any) bool {
	cc := h.Connection(processID)
	if cc == nil {
		h.logger.Warn("send to unknown process", "process", processID)
		return false
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.conn == nil {
		h.logger.Warn("send to offline process", "process", processID)
		return false
	}
	if err := cc.conn.WriteJSON(payload); err != nil {
		h.logger.Warn("send failed", "process", processID, "error", err)
		return false
	}
	return true
}

// Shutdown flushes every connection's history and closes live sockets.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*ContainerConnection, 0, len(h.conns))
	for _, cc := range h.conns {
		conns = append(conns, cc)
	}
	h.mu.RUnlock()

	for _, cc := range conns {
		h.Detach(cc, nil)
	}
}

func (h *Hub) appendHistory(cc *ContainerConnection, raw []byte) {
	frame := make(json.RawMessage, len(raw))
	copy(frame, raw)

	cc.mu.Lock()
	cc.history = append(cc.history, frame)
	cc.appendsSinceFlush++
	flush := cc.appendsSinceFlush >= historyFlushEvery
	var snapshot []json.RawMessage
	if flush {
		cc.appendsSinceFlush = 0
		snapshot = append([]json.RawMessage(nil), cc.history...)
	}
	cc.mu.Unlock()

	if flush {
		h.flushHistory(cc.processID, snapshot)
	}
}

func (h *Hub) historyPath(processID string) string {
	return filepath.Join(h.storageDir, processID+"_messages.json")
}

func (h *Hub) loadHistory(processID string) []json.RawMessage {
	data, err := os.ReadFile(h.historyPath(processID))
	if err != nil {
		return nil
	}
	var history []json.RawMessage
	if err := json.Unmarshal(data, &history); err != nil {
		h.logger.Warn("corrupt history file", "process", processID, "error", err)
		return nil
	}
	return history
}

func (h *Hub) flushHistory(processID string, history []json.RawMessage) {
	if h.storageDir == "" || len(history) == 0 {
		return
	}
	if err := os.MkdirAll(h.storageDir, 0o755); err != nil {
		h.logger.Error("history dir", "error", err)
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		h.logger.Error("history marshal", "process", processID, "error", err)
		return
	}
	if err := os.WriteFile(h.historyPath(processID), data, 0o644); err != nil {
		h.logger.Error("history write", "process", processID, "error", err)
	}
}

// rewriteEventPaths applies path rewriting to an event's content and to
// tool_done results: string results directly, object results (single or
// array) via their output fields.
func rewriteEventPaths(e *models.Event) {
	e.Content = RewritePaths(e.Content)
	if len(e.Results) == 0 {
		return
	}

	var asString string
	if err := json.Unmarshal(e.Results, &asString); err == nil {
		rewritten, _ := json.Marshal(RewritePaths(asString))
		e.Results = rewritten
		return
	}

	var entries []map[string]any
	if err := json.Unmarshal(e.Results, &entries); err == nil {
		for _, entry := range entries {
			if out, ok := entry["output"].(string); ok {
				entry["output"] = RewritePaths(out)
			}
		}
		if rewritten, err := json.Marshal(entries); err == nil {
			e.Results = rewritten
		}
		return
	}

	var entry map[string]any
	if err := json.Unmarshal(e.Results, &entry); err == nil {
		if out, ok := entry["output"].(string); ok {
			entry["output"] = RewritePaths(out)
			if rewritten, err := json.Marshal(entry); err == nil {
				e.Results = rewritten
			}
		}
	}
}
