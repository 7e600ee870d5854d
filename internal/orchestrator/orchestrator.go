// Package orchestrator drives multi-stage agent sequences. Each stage
// runs an agent to completion, parses in-band control markers from its
// final text, and hands metadata forward to the next stage's factory.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withmagi/magi/internal/agent"
	"github.com/withmagi/magi/pkg/models"
)

// Stage statuses recorded in results.
const (
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Stage configures one step of a sequence.
type Stage struct {
	// Agent builds the stage's agent, optionally from the metadata the
	// previous stage emitted.
	Agent func(metadata map[string]any) *agent.Agent

	// Input, when set, shapes the history for this stage only: it
	// receives the accumulated history and the outputs of completed
	// stages and returns the history the stage runs against. The
	// accumulated history is left untouched.
	Input func(history []models.ConversationItem, outputs map[string]*StageResult) []models.ConversationItem

	// Next names the following stage. NextFunc takes precedence when
	// set and may return "" or "null" to terminate.
	Next     string
	NextFunc func(output string, results map[string]*StageResult) string
}

// StageResult records one stage's outcome.
type StageResult struct {
	Status   string
	Response string
	Next     string
	Metadata map[string]any
	Retries  int
}

// Config is a full sequence definition.
type Config struct {
	Stages map[string]*Stage
	Start  string

	// MaxRetriesPerStage and MaxTotalRetries bound NEEDS_RETRY loops.
	// Zero means the defaults (3 per stage, 10 total).
	MaxRetriesPerStage int
	MaxTotalRetries    int

	// OnStageComplete fires after every stage attempt that produced a
	// result, including failures.
	OnStageComplete func(stage string, result *StageResult)

	// Handlers is passed through to every stage run.
	Handlers *agent.Handlers
}

const (
	defaultMaxRetriesPerStage = 3
	defaultMaxTotalRetries    = 10
)

// Orchestrator runs staged sequences on top of a runner.
type Orchestrator struct {
	runner *agent.Runner
	logger *slog.Logger
}

// New creates an orchestrator.
func New(runner *agent.Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{runner: runner, logger: logger}
}

// RunSequential walks the stage graph from cfg.Start until a stage
// terminates the sequence, a failure occurs, or a retry budget is
// exhausted. It returns the per-stage results; the error is non-nil
// when the sequence did not run to a clean termination.
func (o *Orchestrator) RunSequential(ctx context.Context, cfg Config, input string) (map[string]*StageResult, error) {
	maxPerStage := cfg.MaxRetriesPerStage
	if maxPerStage <= 0 {
		maxPerStage = defaultMaxRetriesPerStage
	}
	maxTotal := cfg.MaxTotalRetries
	if maxTotal <= 0 {
		maxTotal = defaultMaxTotalRetries
	}

	results := make(map[string]*StageResult)
	stageRetries := make(map[string]int)
	totalRetries := 0

	var history []models.ConversationItem
	if input != "" {
		history = append(history, models.NewMessage(models.RoleUser, input))
	}

	var lastMetadata map[string]any
	stageName := cfg.Start

	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		stage := cfg.Stages[stageName]
		if stage == nil {
			return results, fmt.Errorf("stage %q not in config", stageName)
		}

		if stageRetries[stageName] >= maxPerStage {
			o.failStage(cfg, results, stageName, "retry budget exhausted", stageRetries[stageName])
			return results, fmt.Errorf("stage %q exceeded %d retries", stageName, maxPerStage)
		}

		// Shaped input applies to this stage only.
		stageHistory := history
		shaped := false
		if stage.Input != nil {
			stageHistory = stage.Input(history, results)
			shaped = true
		}

		a := stage.Agent(lastMetadata)
		o.logger.Info("stage starting", "stage", stageName, "agent", a.Name, "retries", stageRetries[stageName])

		output, err := o.runner.RunStreamedWithTools(ctx, a, "", &stageHistory, cfg.Handlers)
		if err != nil {
			o.failStage(cfg, results, stageName, err.Error(), stageRetries[stageName])
			return results, fmt.Errorf("stage %q: %w", stageName, err)
		}
		if !shaped {
			history = stageHistory
		}

		status, next, metadata, rawMetadata := parseMarkers(output)
		if rawMetadata != "" {
			o.logger.Warn("unparseable stage metadata", "stage", stageName, "metadata", rawMetadata)
		}

		switch status {
		case statusNeedsRetry:
			stageRetries[stageName]++
			totalRetries++
			o.logger.Info("stage requested retry", "stage", stageName, "total_retries", totalRetries)
			if totalRetries >= maxTotal {
				o.failStage(cfg, results, stageName, "total retry budget exhausted", stageRetries[stageName])
				return results, fmt.Errorf("sequence exceeded %d total retries", maxTotal)
			}
			continue

		case statusFailure:
			o.failStage(cfg, results, stageName, output, stageRetries[stageName])
			return results, fmt.Errorf("stage %q reported failure", stageName)
		}

		if next == "" {
			if stage.NextFunc != nil {
				next = stage.NextFunc(output, results)
			} else {
				next = stage.Next
			}
		}

		result := &StageResult{
			Status:   StageCompleted,
			Response: output,
			Next:     next,
			Metadata: metadata,
			Retries:  stageRetries[stageName],
		}
		results[stageName] = result
		if cfg.OnStageComplete != nil {
			cfg.OnStageComplete(stageName, result)
		}
		o.logger.Info("stage complete", "stage", stageName, "next", next)

		if isTerminal(next) {
			return results, nil
		}
		if cfg.Stages[next] == nil {
			return results, fmt.Errorf("stage %q routed to unknown stage %q", stageName, next)
		}
		lastMetadata = metadata
		stageName = next
	}
}

func (o *Orchestrator) failStage(cfg Config, results map[string]*StageResult, stage, response string, retries int) {
	result := &StageResult{Status: StageFailed, Response: response, Retries: retries}
	results[stage] = result
	if cfg.OnStageComplete != nil {
		cfg.OnStageComplete(stage, result)
	}
	o.logger.Error("stage failed", "stage", stage)
}
