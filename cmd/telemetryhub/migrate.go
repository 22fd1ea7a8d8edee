package main

import (
	"context"
	"fmt"

	"github.com/septivank/lorawan-telemetry-hub/internal/config"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// The sqlite store always migrates on start; force it for Postgres too.
	cfg.Database.AutoMigrate = true

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(newFxLogger),
		fx.Provide(ProvideStore),
		fx.Invoke(func(repository.Store) {}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	logger.Info("migration complete")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Warn("failed to close store cleanly", zap.Error(err))
	}
	return nil
}
