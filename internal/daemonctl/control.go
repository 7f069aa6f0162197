package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ripline/internal/config"
	"ripline/internal/daemon"
	"ripline/internal/deps"
	"ripline/internal/ipc"
	"ripline/internal/preflight"
	"ripline/internal/queue"
)

// LaunchOptions controls how `ripline daemon` is started in the background.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
	// OutputPath receives the daemon's stdout and stderr. Startup failures
	// that happen before logging is configured only show up here.
	OutputPath string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

const (
	pollInterval   = 200 * time.Millisecond
	outputTailSize = 2048
)

// Launch starts executablePath as a detached daemon in its own session and
// returns its pid.
func Launch(executablePath string, opts LaunchOptions) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, errors.New("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if path := strings.TrimSpace(opts.OutputPath); path != "" {
		out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open daemon output %s: %w", path, err)
		}
		defer out.Close()
		proc.Stdout = out
		proc.Stderr = out
	}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Process.Pid
	return pid, proc.Process.Release()
}

// poll calls check every pollInterval until it reports done or timeout
// passes. The last error from check is returned on timeout.
func poll(timeout time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		done, err := check()
		if done {
			return nil
		}
		lastErr = err
		if !time.Now().Add(pollInterval).Before(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timed out after %s", timeout)
	}
	return lastErr
}

// waitForClient dials socketPath until it answers.
func waitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	var client *ipc.Client
	err := poll(timeout, func() (bool, error) {
		c, err := ipc.Dial(socketPath)
		if err != nil {
			return false, err
		}
		client = c
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureStarted launches the daemon unless one already answers on socketPath.
// The daemon starts its pipeline on launch, so a reachable socket means it is
// running.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(socketPath)
	launched := false
	if err != nil {
		if _, err := Launch(executablePath, opts); err != nil {
			return StartResult{}, err
		}
		client, err = waitForClient(socketPath, waitTimeout)
		if err != nil {
			return StartResult{}, startFailure(err, opts.OutputPath)
		}
		launched = true
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return StartResult{}, fmt.Errorf("query daemon status: %w", err)
	}
	if !status.Running {
		return StartResult{}, errors.New("daemon is reachable but not running; check the daemon log")
	}
	state := StartStateAlreadyRunning
	if launched {
		state = StartStateStarted
	}
	return StartResult{State: state, Launched: launched, PID: status.PID}, nil
}

// startFailure attaches the end of the daemon's captured output, which is
// usually the config or lock error that stopped it.
func startFailure(err error, outputPath string) error {
	tail := readTail(outputPath, outputTailSize)
	if tail == "" {
		return fmt.Errorf("daemon failed to start: %w", err)
	}
	return fmt.Errorf("daemon failed to start: %w\n%s", err, tail)
}

func readTail(path string, max int64) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - max
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(buf))
}

// waitForShutdown waits until nothing answers on the socket. A daemon that
// reports its pipeline stopped still has to close the socket and exit, so
// Status alone is not enough.
func waitForShutdown(socketPath string, timeout time.Duration) error {
	err := poll(timeout, func() (bool, error) {
		up, err := answering(socketPath)
		if err != nil {
			return false, err
		}
		if up {
			return false, errors.New("socket still answering")
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("daemon did not stop: %w", err)
	}
	return nil
}

// answering reports whether a process accepts connections on the socket.
func answering(socketPath string) (bool, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, nil
		}
		return false, err
	}
	_ = client.Close()
	return true, nil
}

// ProcessInfo reports whether a daemon answers on the socket, and its
// pid when it does.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		return true, 0, err
	}
	return true, status.PID, nil
}

// ForceKillProcess sends SIGKILL to the daemon and removes its pid and lock
// files. The pid comes from pidPath when readable, else fallbackPID. It
// refuses to signal the calling process or a pid whose command line is not a
// ripline binary, since pids are reused after the daemon exits.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	data, err := os.ReadFile(pidPath)
	switch {
	case err == nil:
		if parsed, parseErr := strconv.Atoi(strings.TrimSpace(string(data))); parseErr == nil && parsed > 0 {
			pid = parsed
		}
	case !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if !isRiplineProcess(pid) {
		return 0, fmt.Errorf("pid %d is not a ripline daemon", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// isRiplineProcess checks /proc/<pid>/cmdline. Without procfs it assumes
// the pid is ours.
func isRiplineProcess(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return errors.Is(err, os.ErrNotExist) && !procMounted()
	}
	args := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return len(args) > 0 && strings.HasPrefix(filepath.Base(args[0]), "ripline")
}

func procMounted() bool {
	_, err := os.Stat("/proc/self")
	return err == nil
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StopAndTerminate requests daemon stop and force-kills the process if still
// alive after gracePeriod.
func StopAndTerminate(socketPath string, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	if cfg == nil {
		return StopResult{}, errors.New("configuration not available")
	}
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if status, statusErr := client.Status(); statusErr == nil {
		pid = status.PID
	}
	resp, err := client.Stop()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid, StopAcknowledged: resp.Stopped}

	if waitForShutdown(socketPath, gracePeriod) == nil {
		return result, nil
	}
	livePID := pid
	if alive, statusPID, err := ProcessInfo(socketPath); err == nil && alive && statusPID != 0 {
		livePID = statusPID
	}
	killedPID, killErr := ForceKillProcess(cfg.PIDPath(), cfg.LockPath(), livePID)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(socketPath string, cfg *config.Config, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(socketPath, cfg, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(socketPath, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// StatusLine is one labelled row of the status report.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// DependencySummary aggregates dependency availability.
type DependencySummary struct {
	Total           int    `json:"total"`
	Available       int    `json:"available"`
	MissingRequired int    `json:"missing_required"`
	MissingOptional int    `json:"missing_optional"`
	Severity        string `json:"severity"`
	Detail          string `json:"detail"`
}

// Snapshot is the combined view rendered by `ripline status`.
type Snapshot struct {
	daemon.Status
	QueueStats        map[queue.Status]int `json:"queue_stats"`
	SystemChecks      []StatusLine         `json:"system_checks"`
	Directories       []StatusLine         `json:"directories"`
	DependencySummary DependencySummary    `json:"dependency_summary"`
}

// BuildStatusSnapshot collects daemon status and falls back to reading the
// job database directly when the daemon is not running.
func BuildStatusSnapshot(ctx context.Context, socketPath string, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &Snapshot{}

	if client, err := ipc.Dial(socketPath); err == nil {
		if resp, statusErr := client.Status(); statusErr == nil {
			snap.Status = resp.Status
		}
		_ = client.Close()
	}
	snap.QueueStats = snap.Pipeline.Stats

	if !snap.Running {
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if store, err := queue.Open(cfg); err == nil {
			if stats, statsErr := store.Stats(queryCtx); statsErr == nil {
				snap.QueueStats = stats
			}
			_ = store.Close()
		}
		snap.Disc = preflight.ProbeDisc(ctx, cfg.Drive.Device)
		snap.QueueDBPath = cfg.QueueDBPath()
		snap.LockFilePath = cfg.LockPath()
	}
	if len(snap.Dependencies) == 0 {
		snap.Dependencies = preflight.CheckSystemDeps(cfg)
	}

	snap.SystemChecks = BuildSystemChecks(cfg, snap.Running, snap.DiscMonitor, snap.Disc)
	snap.Directories = BuildDirectoryChecks(cfg)
	snap.DependencySummary = BuildDependencySummary(snap.Dependencies)
	return snap, nil
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// BuildSystemChecks resolves status lines that combine runtime state and config checks.
func BuildSystemChecks(cfg *config.Config, daemonRunning, monitorActive bool, probe preflight.DiscProbe) []StatusLine {
	lines := make([]StatusLine, 0, 5)
	if daemonRunning {
		lines = append(lines, StatusLine{Label: "Ripline", Severity: "ok", Detail: "Running"})
	} else {
		lines = append(lines, StatusLine{Label: "Ripline", Severity: "warn", Detail: "Not running (run `ripline start`)"})
	}

	if probe.Detected {
		lines = append(lines, StatusLine{Label: "Disc", Severity: "ok", Detail: probe.DiscDetail()})
	} else {
		lines = append(lines, StatusLine{Label: "Disc", Severity: "info", Detail: probe.DiscDetail()})
	}

	decryption := "Off (sectors copied verbatim)"
	if cfg.Drive.Decryption != "off" {
		decryption = fmt.Sprintf("Auto (%d CSS player keys, KEYDB %s)", len(cfg.CSS.PlayerKeys), keyDBDetail(cfg.AACS.KeyDBPath))
	}
	lines = append(lines, StatusLine{Label: "Decryption", Severity: "info", Detail: decryption})

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "ok", Detail: "Configured"})
	} else {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "warn", Detail: "Not configured"})
	}

	switch {
	case !cfg.Drive.AutoEnqueue:
		lines = append(lines, StatusLine{Label: "Disc Detection", Severity: "info", Detail: "Disabled (drive.auto_enqueue = false)"})
	case monitorActive:
		lines = append(lines, StatusLine{Label: "Disc Detection", Severity: "ok", Detail: "Netlink monitoring active"})
	case !daemonRunning:
		lines = append(lines, StatusLine{Label: "Disc Detection", Severity: "info", Detail: "Inactive (daemon not running)"})
	default:
		lines = append(lines, StatusLine{Label: "Disc Detection", Severity: "warn", Detail: "Netlink unavailable (enqueue discs with `ripline enqueue`)"})
	}
	return lines
}

func keyDBDetail(path string) string {
	if strings.TrimSpace(path) == "" {
		return "disabled"
	}
	if preflight.CheckKeyDB(path).Passed {
		return "present"
	}
	return "missing"
}

// BuildDirectoryChecks resolves scratch and output directory readiness.
func BuildDirectoryChecks(cfg *config.Config) []StatusLine {
	lines := make([]StatusLine, 0, 3)
	for _, dir := range []struct {
		label string
		path  string
	}{
		{label: "Scratch", path: cfg.Paths.ScratchDir},
		{label: "Output", path: cfg.Paths.OutputDir},
		{label: "State", path: cfg.Paths.StateDir},
	} {
		result := preflight.CheckDirectoryAccess(dir.label, dir.path)
		severity := "error"
		if result.Passed {
			severity = "ok"
		}
		lines = append(lines, StatusLine{Label: dir.label, Severity: severity, Detail: result.Detail})
	}
	return lines
}

// BuildDependencySummary computes aggregate dependency readiness.
func BuildDependencySummary(statuses []deps.Status) DependencySummary {
	if len(statuses) == 0 {
		return DependencySummary{Severity: "info", Detail: "No dependency checks configured"}
	}

	missingRequired := 0
	missingOptional := 0
	for _, dep := range statuses {
		if dep.Available {
			continue
		}
		if dep.Optional {
			missingOptional++
		} else {
			missingRequired++
		}
	}

	missingCount := missingRequired + missingOptional
	available := len(statuses) - missingCount
	severity := "ok"
	if missingRequired > 0 {
		severity = "error"
	} else if missingOptional > 0 {
		severity = "warn"
	}
	detail := fmt.Sprintf("%d/%d available (missing: %d required, %d optional)", available, len(statuses), missingRequired, missingOptional)
	if missingCount == 0 {
		detail = fmt.Sprintf("%d/%d available", available, len(statuses))
	}

	return DependencySummary{
		Total:           len(statuses),
		Available:       available,
		MissingRequired: missingRequired,
		MissingOptional: missingOptional,
		Severity:        severity,
		Detail:          detail,
	}
}
