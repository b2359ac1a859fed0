package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coinflux/coinflux/internal/config"
	"github.com/coinflux/coinflux/internal/etl"
	"github.com/coinflux/coinflux/internal/extract"
	httpserver "github.com/coinflux/coinflux/internal/interfaces/http"
	"github.com/coinflux/coinflux/internal/interfaces/http/handlers"
	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/persistence"
	"github.com/coinflux/coinflux/internal/persistence/memory"
	"github.com/coinflux/coinflux/internal/persistence/mongo"
	"github.com/coinflux/coinflux/internal/ratelimit"
	"github.com/coinflux/coinflux/internal/scheduler"
	"github.com/coinflux/coinflux/internal/schema"
	"github.com/coinflux/coinflux/internal/telemetry"
)

// app bundles every wired component of the pipeline.
type app struct {
	cfg          config.Config
	store        persistence.Store
	metrics      *telemetry.Metrics
	orchestrator *etl.Orchestrator
}

// buildApp loads configuration and wires the pipeline end to end.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics()

	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimit))
	quotas := make(map[string]int, len(cfg.RateLimit))
	for source, rl := range cfg.RateLimit {
		limits[source] = ratelimit.Limit{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstCapacity:     rl.BurstCapacity,
			RetryBackoff:      time.Duration(rl.RetryBackoffMs) * time.Millisecond,
		}
		quotas[source] = rl.RequestsPerMinute
	}
	metrics.SetQuotas(quotas)
	gate := ratelimit.NewGate(limits, metrics)

	mapper := schema.NewMapper(cfg.Schema.Aliases)

	var sources []extract.Source
	var order []string
	for _, id := range models.Sources {
		spec, ok := cfg.Sources[id]
		if !ok {
			continue
		}
		sources = append(sources, extract.Source{
			ID:      id,
			URL:     spec.URL,
			Path:    spec.Path,
			Cap:     spec.Cap,
			Timeout: spec.Timeout.Std(),
		})
		order = append(order, id)
	}
	extractor := extract.New(sources, gate, mapper, metrics)

	var store persistence.Store
	switch cfg.ETL.Store {
	case "memory":
		store = memory.New()
		log.Warn().Msg("using in-memory store, data will not survive restarts")
	default:
		store, err = mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
	}

	orchestrator := etl.New(store, extractor, mapper, metrics, cfg.ETL, order)

	return &app{
		cfg:          cfg,
		store:        store,
		metrics:      metrics,
		orchestrator: orchestrator,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close(context.Background())

	if err := a.store.Sink().EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure indexes: %w", err)
	}

	schedOn := a.cfg.Scheduler.Enabled && a.cfg.Scheduler.IntervalCron != ""
	h := handlers.New(a.store, a.orchestrator, schedOn)
	srv := httpserver.NewServer(a.cfg.Server, h, a.metrics.Handler())

	if schedOn {
		sched, err := scheduler.New(a.cfg.Scheduler.IntervalCron, a.orchestrator)
		if err != nil {
			return err
		}
		if sched != nil {
			go sched.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The config layer already honors FAULT_INJECTION from the environment.
	if inject, _ := cmd.Flags().GetBool("fault-injection"); inject {
		os.Setenv("FAULT_INJECTION", "true")
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close(context.Background())

	entry, err := a.orchestrator.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run %s finished: %s (%d new, %d skipped, %d failed batches)\n",
		entry.RunID, entry.Status, entry.NewRecords(), entry.SkippedRecords(),
		len(entry.FailedBatches))

	if entry.Status == persistence.StatusFailed {
		return fmt.Errorf("run %s failed: %s", entry.RunID, entry.Error)
	}
	return nil
}
