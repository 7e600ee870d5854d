// Package processes tracks the set of agent processes, their lifecycle
// status and the designated core process. Container start and stop is
// delegated to an external Launcher.
package processes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withmagi/magi/internal/risk"
	"github.com/withmagi/magi/pkg/models"
)

// Launcher starts and stops agent containers. The communication core
// only consumes this surface; the implementation lives outside it.
type Launcher interface {
	Start(ctx context.Context, p *models.AgentProcess) error
	Stop(ctx context.Context, processID string) error
	Kill(ctx context.Context, processID string) error
}

// PatchSource loads a patch body by project and patch id for risk
// scoring. Optional.
type PatchSource func(projectID, patchID string) (string, error)

// PullRequest is one recorded git_pull_request notification.
type PullRequest struct {
	ProcessID  string
	ProjectID  string
	Branch     string
	Message    string
	PatchID    string
	ReceivedAt time.Time
	// RiskScore is 0 when no patch body was available for scoring.
	RiskScore float64
	// Flagged marks patches rejected by the anomaly limiter or matching
	// hazard/secret patterns.
	Flagged bool
	Reason  string
}

// Options configures a Manager.
type Options struct {
	Store    Store
	Launcher Launcher
	// ProjectsDir is the root under which project directories live.
	ProjectsDir string
	CoreID      string
	Scorer      *risk.Scorer
	Limiter     *risk.Limiter
	Patches     PatchSource
	Logger      *slog.Logger
}

// Manager is the process registry. It implements the controller surface
// the event router dispatches into.
type Manager struct {
	store       Store
	launcher    Launcher
	projectsDir string
	coreID      string
	scorer      *risk.Scorer
	limiter     *risk.Limiter
	patches     PatchSource
	logger      *slog.Logger

	mu    sync.RWMutex
	procs map[string]*Record
	pulls []PullRequest
}

// NewManager creates a manager and loads any persisted process records.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		store:       opts.Store,
		launcher:    opts.Launcher,
		projectsDir: opts.ProjectsDir,
		coreID:      opts.CoreID,
		scorer:      opts.Scorer,
		limiter:     opts.Limiter,
		patches:     opts.Patches,
		logger:      opts.Logger,
		procs:       make(map[string]*Record),
	}

	records, err := opts.Store.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load process records: %w", err)
	}
	for _, r := range records {
		m.procs[r.ProcessID] = r
	}
	return m, nil
}

// CoreProcessID returns the designated core process id.
func (m *Manager) CoreProcessID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coreID
}

// SetCore designates the core process.
func (m *Manager) SetCore(processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coreID = processID
}

// CreateProcess registers a new process and asks the launcher to start
// its container. An empty ProcessID gets a generated one; recreating a
// process that is still live is an error.
func (m *Manager) CreateProcess(p *models.AgentProcess) error {
	if p == nil {
		return fmt.Errorf("nil process")
	}
	if p.ProcessID == "" {
		p.ProcessID = uuid.NewString()
	}

	m.mu.Lock()
	if existing, ok := m.procs[p.ProcessID]; ok && !models.TerminalStatus(existing.Status) {
		m.mu.Unlock()
		return fmt.Errorf("process %s already exists with status %s", p.ProcessID, existing.Status)
	}
	now := time.Now()
	r := &Record{
		ProcessID: p.ProcessID,
		Name:      p.Name,
		Command:   p.Command,
		ParentID:  p.ParentID,
		ProjectID: p.ProjectID,
		Status:    models.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.procs[p.ProcessID] = r
	m.mu.Unlock()

	m.persist(r)
	m.logger.Info("process created", "process", p.ProcessID, "parent", p.ParentID, "project", p.ProjectID)

	if m.launcher != nil {
		if err := m.launcher.Start(context.Background(), p); err != nil {
			m.MarkFailed(p.ProcessID, err.Error())
			return fmt.Errorf("start container for %s: %w", p.ProcessID, err)
		}
	}
	return nil
}

// ProcessStatus returns a process's status and whether it is known.
func (m *Manager) ProcessStatus(processID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.procs[processID]
	if !ok {
		return "", false
	}
	return r.Status, true
}

// UpdateStatus records a lifecycle transition. Terminal statuses are
// sticky: a late running event cannot resurrect a stopped process.
func (m *Manager) UpdateStatus(processID, status string) {
	m.mu.Lock()
	r, ok := m.procs[processID]
	if !ok {
		r = &Record{ProcessID: processID, CreatedAt: time.Now()}
		m.procs[processID] = r
	}
	if models.TerminalStatus(r.Status) && !models.TerminalStatus(status) {
		m.mu.Unlock()
		return
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	snapshot := *r
	m.mu.Unlock()

	m.persist(&snapshot)
}

// MarkFailed records a failure with its error message.
func (m *Manager) MarkFailed(processID, errMsg string) {
	m.UpdateStatus(processID, models.StatusFailed)
	m.logger.Error("process failed", "process", processID, "error", errMsg)
}

// Stop asks the launcher for a graceful container stop.
func (m *Manager) Stop(ctx context.Context, processID string) error {
	if m.launcher == nil {
		return nil
	}
	return m.launcher.Stop(ctx, processID)
}

// ForceStop kills the container and marks the process terminated.
func (m *Manager) ForceStop(processID string) {
	if m.launcher != nil {
		if err := m.launcher.Kill(context.Background(), processID); err != nil {
			m.logger.Warn("container kill failed", "process", processID, "error", err)
		}
	}
	m.mu.RLock()
	r, ok := m.procs[processID]
	terminal := ok && models.TerminalStatus(r.Status)
	m.mu.RUnlock()
	if !terminal {
		m.UpdateStatus(processID, models.StatusTerminated)
	}
	m.logger.Info("process force-stopped", "process", processID)
}

// List returns a snapshot of all known process records.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.procs))
	for _, r := range m.procs {
		out = append(out, *r)
	}
	return out
}

// Children returns the ids of live children of a process.
func (m *Manager) Children(parentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, r := range m.procs {
		if r.ParentID == parentID && !models.TerminalStatus(r.Status) {
			out = append(out, id)
		}
	}
	return out
}

// RecordPullRequest registers a git_pull_request notification, checks
// it against the anomaly limiter and, when a patch body is available,
// scores its risk.
func (m *Manager) RecordPullRequest(processID, projectID, branch, message, patchID string) {
	pr := PullRequest{
		ProcessID:  processID,
		ProjectID:  projectID,
		Branch:     branch,
		Message:    message,
		PatchID:    patchID,
		ReceivedAt: time.Now(),
	}

	if m.limiter != nil {
		if ok, reason := m.limiter.Allow(processID); !ok {
			pr.Flagged = true
			pr.Reason = reason
			m.logger.Warn("pull request flagged", "process", processID, "project", projectID, "reason", reason)
		}
	}

	if m.patches != nil && m.scorer != nil && patchID != "" {
		body, err := m.patches(projectID, patchID)
		if err != nil {
			m.logger.Warn("patch body unavailable", "patch", patchID, "error", err)
		} else {
			a := m.scorer.Score(risk.AnalyzeDiff(body))
			pr.RiskScore = a.Score
			if a.Flagged {
				pr.Flagged = true
				if pr.Reason == "" {
					pr.Reason = "hazard or secret pattern in patch"
				}
			}
		}
	}

	m.mu.Lock()
	m.pulls = append(m.pulls, pr)
	m.mu.Unlock()

	m.logger.Info("pull request recorded",
		"process", processID, "project", projectID, "branch", branch,
		"patch", patchID, "risk", pr.RiskScore, "flagged", pr.Flagged)
}

// PullRequests returns recorded pull requests, newest last.
func (m *Manager) PullRequests() []PullRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PullRequest, len(m.pulls))
	copy(out, m.pulls)
	return out
}

// CreateProject creates the project directory. Fails when the id is
// unsafe or the project already exists.
func (m *Manager) CreateProject(projectID string) error {
	dir, err := m.projectPath(projectID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("project %s already exists", projectID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project %s: %w", projectID, err)
	}
	m.logger.Info("project created", "project", projectID, "dir", dir)
	return nil
}

// DeleteProject removes the project directory. Deleting an absent
// project is not an error.
func (m *Manager) DeleteProject(projectID string) error {
	dir, err := m.projectPath(projectID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	m.logger.Info("project deleted", "project", projectID)
	return nil
}

// Close flushes nothing (records persist on every transition) but
// releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) projectPath(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, "/\\") || projectID == "." || projectID == ".." {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	root := m.projectsDir
	if root == "" {
		root = "projects"
	}
	return filepath.Join(root, projectID), nil
}

func (m *Manager) persist(r *Record) {
	if err := m.store.Save(context.Background(), r); err != nil {
		m.logger.Error("process record save failed", "process", r.ProcessID, "error", err)
	}
}
