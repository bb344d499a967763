package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/chunkerweb/internal/config"
	"github.com/p-arndt/chunkerweb/internal/store"
)

// TestConfig returns the default Config rooted in a per-test temp dir.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.TempDir = dir
	cfg.DBPath = filepath.Join(dir, "test.db")
	cfg.Worker.CLIPath = filepath.Join(dir, "chunker-cli.jar")
	cfg.Server.UIDir = filepath.Join(dir, "ui")
	cfg.Server.WriteTimeout = 5 * time.Second
	return cfg
}

// NewTestStore creates a SQLite store in a temp dir for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
