package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/p-arndt/chunkerweb/internal/config"
	"github.com/p-arndt/chunkerweb/internal/logging"
	"github.com/p-arndt/chunkerweb/internal/reaper"
	"github.com/p-arndt/chunkerweb/internal/worker"
)

// loadConfig reads the configuration named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*logging.Logger, error) {
	return logging.New(cmd.OutOrStdout(), cfg.Log.Format, cfg.Log.Level)
}

// launcher is the worker launcher selected by worker.runtime plus, for the
// docker runtime, the container cleaner used by the reaper.
type launcher struct {
	worker.Launcher
	cleaner reaper.ContainerCleaner
	close   func() error
}

func newLauncher(cfg *config.Config, logger *slog.Logger) (*launcher, error) {
	switch cfg.Worker.Runtime {
	case config.RuntimeDocker:
		dl, err := worker.NewDockerLauncher(cfg.Worker.DockerImage, logger)
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return &launcher{Launcher: dl, cleaner: dl, close: dl.Close}, nil
	default:
		return &launcher{Launcher: worker.NewExecLauncher(), close: func() error { return nil }}, nil
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		CLIPath:     cfg.Worker.CLIPath,
		JavaOptions: cfg.Worker.JavaOptions,
		Binds:       []string{cfg.SessionsDir()},
		KillTimeout: cfg.Worker.KillTimeout,
	}
}

func reaperConfig(cfg *config.Config) reaper.Config {
	return reaper.Config{
		Interval:         cfg.Reaper.Interval,
		UploadTTL:        cfg.Reaper.UploadTTL,
		SessionRetention: cfg.Reaper.SessionRetention,
	}
}
