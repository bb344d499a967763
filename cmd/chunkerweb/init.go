package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/p-arndt/chunkerweb/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	RunE:  runInit,
}

func init() {
	f := initCmd.Flags()
	f.StringP("output", "o", "chunkerweb.yaml", "where to write the configuration")
	f.Bool("force", false, "overwrite an existing file")
	f.String("listen", "", "listen address")
	f.String("temp-dir", "", "directory for uploads and session workspaces")
	f.String("runtime", "", "worker runtime (exec or docker)")
	f.String("docker-image", "", "worker image for the docker runtime")
}

func runInit(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	output, _ := f.GetString("output")
	force, _ := f.GetBool("force")

	cfg := config.Default()
	if v, _ := f.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := f.GetString("temp-dir"); v != "" {
		cfg.TempDir = v
	}
	if v, _ := f.GetString("runtime"); v != "" {
		cfg.Worker.Runtime = v
	}
	if v, _ := f.GetString("docker-image"); v != "" {
		cfg.Worker.DockerImage = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := writeInitialConfig(output, cfg, force); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
	return nil
}

func writeInitialConfig(path string, cfg *config.Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
