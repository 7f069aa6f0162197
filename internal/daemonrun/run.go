package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ripline/internal/config"
	"ripline/internal/daemon"
	"ripline/internal/deps"
	"ripline/internal/ipc"
	"ripline/internal/logging"
	"ripline/internal/pipeline"
	"ripline/internal/preflight"
	"ripline/internal/queue"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the ripline daemon and blocks until a signal arrives or a client
// asks it to stop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logHub := logging.NewStreamHub(4096)
	logger, _, err := logging.NewRunLogger(cfg, "ripline", logging.Options{
		Level:       opts.LogLevel,
		Development: opts.Development,
		Stream:      logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logStartupChecks(signalCtx, logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}

	mgr, err := pipeline.New(cfg, logger, pipeline.WithStore(store))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create pipeline: %w", err)
	}
	d, err := daemon.New(cfg, store, logger, mgr, daemon.WithLogStream(logHub))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	runCtx, stop := context.WithCancel(signalCtx)
	defer stop()
	ipcServer, err := ipc.NewServer(runCtx, cfg.SocketPath(), d, logger, stop)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(runCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration and job database access"),
		)
		return err
	}

	<-runCtx.Done()
	logger.Info("ripline daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// logStartupChecks records preflight results so misconfiguration shows up in
// the log before the first job fails on it.
func logStartupChecks(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, result := range preflight.RunAll(checkCtx, cfg) {
		if result.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run ripline status for details"),
			logging.String(logging.FieldImpact, "jobs depending on this check will fail"),
		)
	}
	for _, dep := range deps.Missing(preflight.CheckSystemDeps(cfg)) {
		if dep.Optional {
			logger.Info("optional dependency missing",
				logging.String("dependency", dep.Name),
				logging.String("detail", dep.Detail),
			)
		}
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
