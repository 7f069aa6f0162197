package disc

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

const ioctlCDROMEject = 0x5309

// Ejector releases a disc from the drive.
type Ejector interface {
	Eject(ctx context.Context, device string) error
}

// EjectorFunc adapts a function to the Ejector interface.
type EjectorFunc func(ctx context.Context, device string) error

// Eject calls f.
func (f EjectorFunc) Eject(ctx context.Context, device string) error {
	return f(ctx, device)
}

type driveEjector struct {
	command string
}

// NewEjector returns an ejector that opens the tray with the CDROMEJECT ioctl
// and falls back to the eject utility when the ioctl is refused, which
// happens while the disc is still mounted.
func NewEjector() Ejector {
	return driveEjector{command: "eject"}
}

func (e driveEjector) Eject(ctx context.Context, device string) error {
	device = strings.TrimSpace(device)
	if device != "" {
		if err := ioctlEject(device); err == nil {
			return nil
		}
	}
	args := []string{}
	if device != "" {
		args = append(args, device)
	}
	if err := exec.CommandContext(ctx, e.command, args...).Run(); err != nil {
		return fmt.Errorf("eject %s: %w", device, err)
	}
	return nil
}

func ioctlEject(device string) error {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer unix.Close(fd) //nolint:errcheck
	if err := unix.IoctlSetInt(fd, ioctlCDROMEject, 0); err != nil {
		return fmt.Errorf("ioctl CDROMEJECT on %s: %w", device, err)
	}
	return nil
}
