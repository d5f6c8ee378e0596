package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Modulend/core-v1/internal/app"
)

func serveCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the brokering core in the configured mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger := newLogger(cfg.LogLevel)
			logger.Info("modulend starting",
				slog.String("mode", cfg.Mode),
				slog.String("config", configPath),
			)

			application := app.New(cfg, logger)
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("application shut down gracefully")
					return nil
				}
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("modulend stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode (server, archive, full)")
	return cmd
}
