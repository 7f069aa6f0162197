package disc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// CDROM_DRIVE_STATUS from linux/cdrom.h.
const cdromDriveStatus = 0x5326

// DriveStatus is the tray state the kernel cdrom driver reports.
type DriveStatus int

const (
	DriveStatusNoInfo DriveStatus = iota
	DriveStatusNoDisc
	DriveStatusTrayOpen
	DriveStatusNotReady
	DriveStatusDiscOK
)

var driveStatusNames = map[DriveStatus]string{
	DriveStatusNoInfo:   "no_info",
	DriveStatusNoDisc:   "no_disc",
	DriveStatusTrayOpen: "tray_open",
	DriveStatusNotReady: "not_ready",
	DriveStatusDiscOK:   "disc_ok",
}

func (s DriveStatus) String() string {
	if name, ok := driveStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// CheckDriveStatus asks the kernel for the tray state of device. The device
// is opened non-blocking so an empty drive does not stall the call.
func CheckDriveStatus(device string) (DriveStatus, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return DriveStatusNoInfo, errors.New("drive status: empty device path")
	}
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return DriveStatusNoInfo, fmt.Errorf("drive status: open %s: %w", device, err)
	}
	defer func() { _ = unix.Close(fd) }()

	raw, err := unix.IoctlRetInt(fd, cdromDriveStatus)
	if err != nil {
		return DriveStatusNoInfo, fmt.Errorf("drive status: ioctl on %s: %w", device, err)
	}
	return DriveStatus(raw), nil
}

// StatusFunc reports the drive status; CheckDriveStatus in production.
type StatusFunc func(device string) (DriveStatus, error)

// WaitForReady polls until the drive reports a readable disc, giving up
// after maxPolls checks. Freshly inserted discs spin up for several seconds
// before the kernel reports disc_ok. Zero values pick 60 polls one second
// apart.
func WaitForReady(ctx context.Context, device string, status StatusFunc, maxPolls int, interval time.Duration) (DriveStatus, error) {
	if status == nil {
		status = CheckDriveStatus
	}
	if maxPolls <= 0 {
		maxPolls = 60
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := DriveStatusNoInfo
	for poll := 1; ; poll++ {
		current, err := status(device)
		if err != nil {
			return current, err
		}
		last = current
		if current == DriveStatusDiscOK {
			return current, nil
		}
		if poll >= maxPolls {
			return last, fmt.Errorf("drive %s not ready after %d polls (last status: %s)", device, maxPolls, last)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
