// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/windlass-dev/windlass/pkg/config"
	"github.com/windlass-dev/windlass/pkg/coordinator"
	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/executor"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/readiness"
	"github.com/windlass-dev/windlass/pkg/registry"
	"github.com/windlass-dev/windlass/pkg/storage/sqlite"
	"github.com/windlass-dev/windlass/pkg/telemetry"
	"github.com/windlass-dev/windlass/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration worker pool",
	Long: `Open the task database, start the queue consumers and the claim
janitor, and process coordinator passes until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Initialize()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	store, err := sqlite.NewStore(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("closing store", "error", err)
		}
	}()

	bus := events.NewBus()
	reg := registry.New(events.NewCatalog())

	promRegistry := prometheus.NewRegistry()
	bus.Subscribe(telemetry.NewMetrics(promRegistry))
	if err := promRegistry.Register(telemetry.NewQueueDepthCollector(store.Queue())); err != nil {
		return err
	}

	if Registrar != nil {
		if err := Registrar(reg); err != nil {
			return err
		}
	}
	stats := reg.Stats()
	logger.Infow("task definitions registered", "definitions", stats.Definitions)

	policy := readiness.Policy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}
	evaluator := readiness.NewEvaluator(store.Readiness(), policy)
	exec := executor.New(store, bus, policy,
		executor.WithHandlerTimeout(cfg.HandlerTimeout))
	coord := coordinator.New(store, reg, bus, evaluator, exec,
		coordinator.WithClaimTTL(cfg.ClaimLease),
		coordinator.WithShortPollInterval(cfg.ShortPollInterval),
		coordinator.WithPassBudget(cfg.PassBudgetSteps, cfg.PassBudgetDuration))

	pool := worker.New(store, coord, bus,
		worker.WithWorkers(cfg.Workers),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMaxIdleInterval(cfg.MaxIdleInterval),
		worker.WithJanitorInterval(cfg.JanitorInterval))

	logger.Infof("windlassd serving from %s with %d workers", cfg.DatabasePath, cfg.Workers)
	return pool.Run(ctx)
}
