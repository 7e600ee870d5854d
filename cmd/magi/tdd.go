package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/withmagi/magi/internal/agent"
	"github.com/withmagi/magi/internal/config"
	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/observability"
	"github.com/withmagi/magi/internal/providers"
	"github.com/withmagi/magi/internal/tdd"
)

// buildTDDCmd creates the "tdd" command that drives a red/green/refactor
// cycle in a local project directory.
func buildTDDCmd() *cobra.Command {
	var (
		configPath string
		dir        string
	)

	cmd := &cobra.Command{
		Use:   "tdd [goal]",
		Short: "Build a feature set test-first from a goal description",
		Long: `Plan a goal into a dependency-ordered feature set, then drive each
feature through a red/green/refactor cycle: write a failing test, make
it pass, and clean the implementation up while keeping tests green.

The test runner (vitest, jest, mocha, pytest, go test) is detected from
the project directory.`,
		Example: `  magi tdd "a rate limiter with a token bucket" --dir ./limiter`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTDD(cmd, configPath, dir, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "magi.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&dir, "dir", ".",
		"Project directory to work in")
	return cmd
}

func runTDD(cmd *cobra.Command, configPath, dir, goal string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	runner, err := buildRunner(cfg, logger)
	if err != nil {
		return err
	}

	planner := agent.New("planner", "breaks a goal into testable features",
		"You are a software planner. Break goals into small, independently testable features with explicit dependencies.")
	tester := agent.New("tester", "writes failing tests",
		"You are a test engineer. Write one focused failing test for the feature you are given. Output only the test file in a fenced code block.")
	writer := agent.New("writer", "implements and refactors code",
		"You are an implementer. Make the failing test pass with the simplest correct code. Output only the implementation file in a fenced code block.")

	orch := tdd.New(runner, planner, tester, writer, tdd.ExecRunner{}, logger)
	report, err := orch.Run(cmd.Context(), dir, goal)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Features: %d completed, %d failed\n",
		report.Counts[tdd.StatusCompleted], report.Counts[tdd.StatusFailed])
	for _, f := range report.Features {
		fmt.Fprintf(out, "  - %s [%s]\n", f.Description, f.Status)
	}
	return nil
}

// buildRunner assembles the agent runtime from the configured providers.
// API keys fall back to the conventional environment variables.
func buildRunner(cfg *config.Config, logger *slog.Logger) (*agent.Runner, error) {
	cat := catalog.NewCatalog()
	provs := make(map[catalog.Provider]providers.Provider)

	for name, pc := range cfg.LLM.Providers {
		switch catalog.Provider(name) {
		case catalog.ProviderOpenAI:
			key := orEnv(pc.APIKey, "OPENAI_API_KEY")
			if key != "" {
				provs[catalog.ProviderOpenAI] = providers.NewOpenAIProvider(key, pc.BaseURL)
			}
		case catalog.ProviderAnthropic:
			key := orEnv(pc.APIKey, "ANTHROPIC_API_KEY")
			if key != "" {
				provs[catalog.ProviderAnthropic] = providers.NewAnthropicProvider(key, pc.BaseURL)
			}
		default:
			logger.Warn("unknown provider in config", "provider", name)
		}
	}
	if len(provs) == 0 {
		return nil, fmt.Errorf("no LLM providers configured; set llm.providers or the *_API_KEY environment variables")
	}

	metrics := observability.NewMetrics()
	registry := agent.NewRegistry()
	engine := agent.NewEngine(registry, logger, metrics)
	return agent.NewRunner(cat, provs, engine, logger, metrics, catalog.Class(cfg.LLM.DefaultClass)), nil
}

func orEnv(value, env string) string {
	if value != "" {
		return value
	}
	return os.Getenv(env)
}
