package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/config"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Continue a checkpointed workflow from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Engine.CheckpointStore == config.StoreMemory {
		logger.Warn("checkpoint store is memory; checkpoints from other processes are not visible")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start orchestra: %w", err)
	}
	defer a.Close()

	rep, err := a.orch.Resume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resume %s: %w", args[0], err)
	}
	logger.Info("workflow resumed", zap.String("workflow", args[0]))
	return printReport(cmd.OutOrStdout(), rep)
}
