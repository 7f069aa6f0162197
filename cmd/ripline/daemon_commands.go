package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ripline/internal/daemonctl"
)

const (
	defaultStartWait = 10 * time.Second
	defaultStopGrace = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStartCommand(ctx),
		newStopCommand(ctx),
		newRestartCommand(ctx),
		newStatusCommand(ctx),
	}
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var (
		logLevel string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the ripline daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonLaunchOptions(ctx, logLevel), wait)
			if err != nil {
				return err
			}
			reportStart(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the launched daemon")
	cmd.Flags().DurationVar(&wait, "wait", defaultStartWait, "How long to wait for the daemon socket")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the ripline daemon, killing it if it does not exit in time",
		Long: "Stop asks the daemon to shut down. Jobs that are extracting or converting are\n" +
			"left in place and resume or fail cleanly on the next start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			reportStop(out, result)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", defaultStopGrace, "Time to wait before killing the daemon process")
	return cmd
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon if it is running, then start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(ctx.socketPath(), ctx.configValue(), exe,
				daemonLaunchOptions(ctx, logLevel), defaultStopGrace, defaultStartWait)
			if err != nil {
				return err
			}
			if result.WasRunning {
				reportStop(out, result.Stop)
			}
			fmt.Fprintf(out, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the launched daemon")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, drive, dependency and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), ctx.configValue())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, snap)
			}
			out := cmd.OutOrStdout()
			renderStatus(out, snap, shouldColorize(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output status as JSON")
	return cmd
}

func reportStart(out io.Writer, result daemonctl.StartResult) {
	if result.State == daemonctl.StartStateAlreadyRunning {
		fmt.Fprintln(out, "Daemon already running")
		return
	}
	fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
}

func reportStop(out io.Writer, result daemonctl.StopResult) {
	if result.StopAcknowledged {
		fmt.Fprintln(out, "Stopping daemon pipeline...")
	} else {
		fmt.Fprintln(out, "Stop request sent")
	}
	if result.ForcedKill {
		fmt.Fprintf(out, "Daemon did not exit in time; killed pid %d\n", result.PID)
	}
	fmt.Fprintln(out, "Daemon stopped")
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		LogLevel:   strings.TrimSpace(logLevel),
	}
	if cfg := ctx.configValue(); cfg != nil && cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err == nil {
			opts.OutputPath = filepath.Join(cfg.Paths.LogDir, "daemon.out")
		}
	}
	return opts
}
