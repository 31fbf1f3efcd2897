package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/diagnostics"
	"github.com/aegis-sre/aegis/internal/llm"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/operator"
	"github.com/aegis-sre/aegis/internal/pipeline"
	"github.com/aegis-sre/aegis/internal/queue"
	"github.com/aegis-sre/aegis/internal/security"
	"github.com/aegis-sre/aegis/internal/shadow"
)

var operateCmd = &cobra.Command{
	Use:   "operate",
	Short: "Run the autonomous operator loop",
	Long:  `Watches cluster workloads, stages incidents, and drains them through analysis, shadow verification, approval, and apply with a rollback watch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperator()
	},
}

func runOperator() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	m := metrics.Default()
	startMetricsServer(ctx, fmt.Sprintf(":%d", cfg.Operator.MetricsPort))

	q := queue.New(cfg.Operator.QueueCapacity, cfg.Operator.MergeWindow, cfg.IsProductionNamespace, m)
	collector := diagnostics.New(cfg.Diagnostics, clusterClient)
	lm := llm.New(cfg.LM)
	pl := pipeline.New(lm, m, cfg.IsProductionNamespace)
	runtime := shadow.NewNamespaceRuntime(clusterClient, cfg.Shadow)
	shadows := shadow.NewManager(cfg.Shadow, runtime, m)
	chain := security.NewChain(cfg.Security, clusterClient, m)
	applier := operator.NewApplier(clusterClient, m)
	rollback := operator.NewRollbackWatcher(cfg.Rollback, clusterClient, applier)
	approval := operator.NewApprovalGate(cfg.Operator.AutoApproveNonProd, cfg.IsProductionNamespace)

	processor := operator.NewProcessor(cfg, q, collector, pl, shadows, chain, applier, rollback, approval, m)
	watcher := operator.NewWatcher(clusterClient, q, m, cfg.IsProductionNamespace, cfg.Shadow.NamespacePrefix)

	// Hot-reload of scanner toggles and rollback thresholds from the env
	// file; everything else requires a restart.
	if cfgWatcher, err := config.NewWatcher(cfg); err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable; runtime reload disabled")
	} else if cfgWatcher != nil {
		cfgWatcher.SetReloadCallback(func(sec config.SecurityConfig, _ config.RollbackConfig) {
			processor.SetChain(security.NewChain(sec, clusterClient, m))
		})
		if err := cfgWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watcher failed to start")
		} else {
			defer cfgWatcher.Stop()
		}
	}

	log.Info().
		Int("workers", cfg.Operator.Workers).
		Str("shadow_runtime", cfg.Shadow.Runtime).
		Msg("Starting AEGIS operator")

	go watcher.Run(ctx)
	err = processor.Run(ctx)

	log.Info().Msg("AEGIS operator stopped")
	return err
}
