package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-arndt/chunkerweb/internal/config"
	"github.com/p-arndt/chunkerweb/internal/reaper"
	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/workspace"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Clean up stale sessions, workspaces and uploads once",
	Long: `reap runs a single cleanup pass. Run it while the server is stopped:
every session the ledger still marks active is treated as orphaned.`,
	RunE: runReap,
}

// noLiveSessions reports every session as gone.
type noLiveSessions struct{}

func (noLiveSessions) IsLive(string) bool { return false }

func runReap(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rpr := reaper.New(st, noLiveSessions{}, workspace.NewManager(cfg.SessionsDir()), reaperConfig(cfg), log.Logger)
	if cfg.Worker.Runtime == config.RuntimeDocker {
		launch, err := newLauncher(cfg, log.Logger)
		if err != nil {
			return err
		}
		defer launch.close()
		if launch.cleaner != nil {
			rpr.SetContainerCleaner(launch.cleaner)
		}
	}
	rpr.RunOnce(cmd.Context())
	return nil
}
