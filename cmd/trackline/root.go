package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/app"
	"github.com/trackline/trackline/internal/config"
	"github.com/trackline/trackline/internal/monitoring"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "trackline",
	Short:         "Track resolution, stream acquisition and audio caching",
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the JSON config file (default: user config dir)")
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRuntime loads .env and the config file, then builds the shared runtime
func newRuntime() (*app.Runtime, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := monitoring.NewLogger(monitoring.LogConfigFrom(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to build runtime", zap.Error(err))
		logger.Sync()
		return nil, err
	}
	return rt, nil
}

func closeRuntime(rt *app.Runtime) {
	if err := rt.Close(); err != nil {
		rt.Logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	rt.Logger.Sync()
}
