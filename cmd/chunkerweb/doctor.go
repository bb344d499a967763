package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/p-arndt/chunkerweb/internal/config"
	"github.com/p-arndt/chunkerweb/internal/worker"
)

const (
	statusOK   = "OK"
	statusWarn = "WARN"
	statusFail = "FAIL"

	// minTempSpace is the free space below which the temp dir check warns.
	minTempSpace = 10 * units.GiB
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the host can run conversions",
	RunE:  runDoctor,
}

type doctorCheck struct {
	Name    string
	Status  string
	Details string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	checks := []doctorCheck{checkRuntime(ctx, cfg)}
	if cfg.Worker.Runtime == config.RuntimeExec {
		checks = append(checks, checkJava())
	}
	checks = append(checks, checkTempDir(cfg.TempDir), checkUI(cfg.Server.UIDir), checkHeap(cfg.Worker.JavaOptions))

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "chunkerweb doctor")
	failures := 0
	for _, c := range checks {
		fmt.Fprintf(out, "[%s] %-16s %s\n", c.Status, c.Name, c.Details)
		if c.Status == statusFail {
			failures++
		}
	}

	if failures > 0 {
		fmt.Fprintf(out, "\nDoctor found %d blocking issue(s).\n", failures)
		return fmt.Errorf("%d doctor check(s) failed", failures)
	}
	fmt.Fprintln(out, "\nDoctor checks passed.")
	return nil
}

func checkRuntime(ctx context.Context, cfg *config.Config) doctorCheck {
	launch, err := newLauncher(cfg, slog.Default())
	if err != nil {
		return doctorCheck{Name: "Worker runtime", Status: statusFail, Details: err.Error()}
	}
	defer launch.close()

	if err := launch.Available(ctx, cfg.Worker.CLIPath); err != nil {
		return doctorCheck{Name: "Converter", Status: statusFail, Details: err.Error()}
	}
	if cfg.Worker.Runtime == config.RuntimeDocker {
		return doctorCheck{Name: "Converter", Status: statusOK, Details: "image " + cfg.Worker.DockerImage}
	}
	return doctorCheck{Name: "Converter", Status: statusOK, Details: cfg.Worker.CLIPath}
}

func checkJava() doctorCheck {
	path, err := exec.LookPath("java")
	if err != nil {
		return doctorCheck{Name: "Java", Status: statusFail, Details: "java not found on PATH"}
	}
	return doctorCheck{Name: "Java", Status: statusOK, Details: path}
}

func checkTempDir(dir string) doctorCheck {
	check := doctorCheck{Name: "Temp directory"}
	probe := nearestExistingDir(dir)
	free, err := freeSpace(probe)
	switch {
	case err != nil:
		check.Status, check.Details = statusWarn, fmt.Sprintf("cannot read free space of %s: %v", probe, err)
	case free < minTempSpace:
		check.Status, check.Details = statusWarn, fmt.Sprintf("only %s free in %s", units.BytesSize(float64(free)), probe)
	default:
		check.Status, check.Details = statusOK, fmt.Sprintf("%s free in %s", units.BytesSize(float64(free)), probe)
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) && check.Status == statusOK {
		check.Details = fmt.Sprintf("%s does not exist yet (created on start)", dir)
	}
	return check
}

func checkUI(dir string) doctorCheck {
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		return doctorCheck{Name: "Web UI", Status: statusWarn, Details: "no index.html in " + dir}
	}
	return doctorCheck{Name: "Web UI", Status: statusOK, Details: dir}
}

func checkHeap(javaOptions string) doctorCheck {
	heap := worker.HeapBytes(worker.JavaOptions(javaOptions))
	if heap == 0 {
		return doctorCheck{Name: "Worker heap", Status: statusWarn, Details: "heap size not set in java options"}
	}
	return doctorCheck{Name: "Worker heap", Status: statusOK, Details: units.BytesSize(float64(heap))}
}

func nearestExistingDir(p string) string {
	current := filepath.Clean(p)
	for {
		if info, err := os.Stat(current); err == nil && info.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}
