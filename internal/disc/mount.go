package disc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ripline/internal/logging"
)

// ErrNotMounted is returned when a device has no entry in the mount table.
var ErrNotMounted = errors.New("optical drive mount point not found")

// mountsPath and runCommand are swapped by tests.
var (
	mountsPath = "/proc/mounts"
	runCommand = func(ctx context.Context, name string, args ...string) error {
		return exec.CommandContext(ctx, name, args...).Run()
	}
)

// ResolveMountPoint looks up where device is mounted.
func ResolveMountPoint(device string) (string, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return "", fmt.Errorf("open mounts: %w", err)
	}
	defer f.Close()

	requested := canonicalDevice(device)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if sameDevice(requested, canonicalDevice(decodeMountField(fields[0]))) {
			return decodeMountField(fields[1]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan mounts: %w", err)
	}
	return "", ErrNotMounted
}

// EnsureMounted returns the mount point for device, mounting it through fstab
// when needed. mounted reports whether the caller should Unmount afterwards.
func EnsureMounted(ctx context.Context, device string, logger *slog.Logger) (root string, mounted bool, err error) {
	logger = logging.NewComponentLogger(logger, "mount")
	root, err = ResolveMountPoint(device)
	if err == nil {
		logger.Debug("disc already mounted", logging.Args(append(
			logging.DecisionAttrs("mount", "already_mounted", "found in mount table"),
			logging.String("mount_point", root))...)...)
		return root, false, nil
	}
	if !errors.Is(err, ErrNotMounted) {
		return "", false, err
	}

	logger.Info("mounting disc", logging.Args(append(
		logging.DecisionAttrs("mount", "auto_mount", "disc not mounted"),
		logging.String("device", device))...)...)
	if err := runCommand(ctx, "mount", device); err != nil {
		return "", false, fmt.Errorf("mount %s: %w", device, err)
	}
	root, err = ResolveMountPoint(device)
	if err != nil {
		Unmount(ctx, device, logger)
		return "", false, fmt.Errorf("mount %s succeeded but mount point not found", device)
	}
	return root, true, nil
}

// Unmount releases a disc mounted by EnsureMounted. Failures are logged.
func Unmount(ctx context.Context, device string, logger *slog.Logger) {
	if err := runCommand(ctx, "umount", device); err != nil {
		logging.WarnWithContext(logger, "failed to unmount disc", "unmount_failed",
			logging.String("device", device),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run umount manually"),
			logging.String(logging.FieldImpact, "eject may be refused until the disc is unmounted"),
		)
	}
}

func canonicalDevice(device string) string {
	if resolved, err := filepath.EvalSymlinks(device); err == nil && resolved != "" {
		return resolved
	}
	return device
}

func decodeMountField(field string) string {
	return strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`).Replace(field)
}

func sameDevice(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, "/dev/") && strings.HasPrefix(b, "/dev/") && filepath.Base(a) == filepath.Base(b)
}
