package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withmagi/magi/internal/config"
	"github.com/withmagi/magi/internal/gateway"
	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/observability"
	"github.com/withmagi/magi/internal/processes"
	"github.com/withmagi/magi/internal/risk"
	"github.com/withmagi/magi/internal/summaries"
	"github.com/withmagi/magi/internal/usage"
	"github.com/withmagi/magi/pkg/models"
)

// runServe wires the controller together and blocks until shutdown.
func runServe(ctx context.Context, configPath, coreID string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(level, cfg.Logging.Format)
	metrics := observability.NewMetrics()

	cat := catalog.NewCatalog()
	tracker := usage.NewTracker()
	limits := usage.NewLimitEnforcer(cfg.Costs.DailyLimitFile, cfg.Costs.WarnInterval, logger)

	var store processes.Store
	if cfg.Storage.DatabasePath != "" {
		store, err = processes.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("open process store: %w", err)
		}
	} else {
		store = processes.NewMemoryStore()
	}

	manager, err := processes.NewManager(processes.Options{
		Store:   store,
		CoreID:  coreID,
		Scorer:  risk.NewScorer(cfg.Risk),
		Limiter: risk.NewLimiter(cfg.Anomaly),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("process manager: %w", err)
	}
	defer manager.Close()

	hub := gateway.NewHub(gateway.HubOptions{
		StorageDir:     cfg.Storage.MessageDir,
		ControllerPort: cfg.Server.Port,
		CoreProcessID:  coreID,
		Tracker:        tracker,
		Limits:         limits,
		Catalog:        cat,
		Logger:         logger,
		Metrics:        metrics,
	})
	router := gateway.NewRouter(hub, manager, logger, metrics)
	hub.SetRouter(router)

	// Limit warnings reach the UI through the core as system messages.
	limits.Notify = func(message string) {
		hub.SendSystemMessage(coreID, message)
	}

	registerSummaryHandlers(router, summaries.NewStore(cfg.Storage.SummaryDir, cfg.Summaries.MinChars, logger))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := gateway.NewServer(addr, hub, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("controller listening", "addr", addr, "core", coreID)
		errCh <- srv.ListenAndServe()
	}()

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 && cfg.Server.MetricsPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("controller stopped")
	return nil
}

// registerSummaryHandlers exposes the summary cache to containers:
// summary_store caches a {document, summary} pair and returns its id,
// summary_lookup returns the cached summary for a document.
func registerSummaryHandlers(router *gateway.Router, store *summaries.Store) {
	type summaryArgs struct {
		Document string `json:"document"`
		Summary  string `json:"summary"`
	}

	router.RegisterHandler("summary_store", func(processID string, e *models.Event) map[string]any {
		var args summaryArgs
		if err := json.Unmarshal(e.Args, &args); err != nil || args.Document == "" {
			return map[string]any{"error": "summary_store needs document and summary args"}
		}
		id, err := store.Put(args.Document, args.Summary)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return map[string]any{"id": id, "cached": id != ""}
	})

	router.RegisterHandler("summary_lookup", func(processID string, e *models.Event) map[string]any {
		var args summaryArgs
		if err := json.Unmarshal(e.Args, &args); err != nil || args.Document == "" {
			return map[string]any{"error": "summary_lookup needs a document arg"}
		}
		summary, found := store.Get(args.Document)
		return map[string]any{"summary": summary, "found": found}
	})
}
