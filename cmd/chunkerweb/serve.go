package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/chunkerweb/internal/api"
	"github.com/p-arndt/chunkerweb/internal/config"
	"github.com/p-arndt/chunkerweb/internal/pool"
	"github.com/p-arndt/chunkerweb/internal/reaper"
	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/web"
	"github.com/p-arndt/chunkerweb/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("clean-temp", true, "remove the temp directory on shutdown")
}

// app is the fully wired server.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	launch   *launcher
	sessions *session.Manager
	warm     *pool.Starter
	reaper   *reaper.Reaper
	server   *api.Server

	// available is the converter check made at startup.
	available error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	for _, dir := range []string{cfg.UploadDir(), cfg.SessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	launch, err := newLauncher(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	starter := &session.SupervisorStarter{Launcher: launch, Config: workerConfig(cfg)}
	warm := pool.New(starter, cfg.Worker.PoolSize, logger)

	workspaces := workspace.NewManager(cfg.SessionsDir())
	mgr := session.NewManager(session.Options{
		InputRoots:      cfg.InputRoots(),
		MaxArchiveBytes: int64(cfg.Session.MaxArchiveSize),
		MaxExtractBytes: int64(cfg.Session.MaxExtractSize),
		KillTimeout:     cfg.Worker.KillTimeout,
	}, warm, workspaces, st, logger)

	rpr := reaper.New(st, liveWorkers{mgr, warm}, workspaces, reaperConfig(cfg), logger)
	if launch.cleaner != nil {
		rpr.SetContainerCleaner(launch.cleaner)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		launch:    launch,
		sessions:  mgr,
		warm:      warm,
		reaper:    rpr,
		server:    api.NewServer(cfg, mgr, st, web.NewHandler(cfg.Server.UIDir, st), logger),
		available: starter.Available(ctx),
	}, nil
}

// start runs the background loops until ctx is done.
func (a *app) start(ctx context.Context) {
	if a.available != nil {
		a.logger.Warn("converter unavailable, sessions will be refused", "cli_path", a.cfg.Worker.CLIPath, "error", a.available)
	} else {
		go a.warm.Run(ctx)
	}
	go a.reaper.Run(ctx)
}

// close ends every session and releases the store and launcher.
func (a *app) close(ctx context.Context) {
	a.warm.Stop(ctx)
	if err := a.sessions.Shutdown(ctx); err != nil {
		a.logger.Warn("sessions did not close in time", "error", err)
	}
	if err := a.launch.close(); err != nil {
		a.logger.Warn("close launcher", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	logger := log.Logger
	cleanTemp, _ := cmd.Flags().GetBool("clean-temp")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.start(ctx)

	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				if err := log.SetLevel(next.Log.Level); err != nil {
					logger.Warn("ignoring log level", "level", next.Log.Level, "error", err)
				}
			})
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chunkerweb listening", "addr", cfg.Listen, "runtime", cfg.Worker.Runtime, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.close(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if cleanTemp {
		if err := os.RemoveAll(cfg.TempDir); err != nil {
			logger.Warn("remove temp dir", "path", cfg.TempDir, "error", err)
		}
	}
	return serveErr
}

// liveWorkers counts both open sessions and pooled workers as live, so the
// reaper leaves idle worker containers alone.
type liveWorkers struct {
	sessions *session.Manager
	pool     *pool.Starter
}

func (l liveWorkers) IsLive(id string) bool {
	return l.sessions.IsLive(id) || l.pool.Owns(id)
}
