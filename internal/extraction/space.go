package extraction

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"ripline/internal/config"
	"ripline/internal/disc"
	"ripline/internal/services"
)

const bytesPerGB = 1 << 30

// InsufficientDiskSpaceError reports how much scratch space a disc needs
// and how much the filesystem has.
type InsufficientDiskSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientDiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space on %s: need %.1f GB, have %.1f GB",
		e.Path, float64(e.Required)/bytesPerGB, float64(e.Available)/bytesPerGB)
}

func (e *InsufficientDiskSpaceError) Unwrap() error {
	return services.ErrInsufficientDiskSpace
}

// FreeSpaceFunc reports the bytes available to unprivileged writers at path.
type FreeSpaceFunc func(path string) (uint64, error)

// FreeSpace reads the available bytes of the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// RequiredSpace returns the configured scratch minimum for a media kind.
func RequiredSpace(cfg *config.Config, kind disc.Kind) uint64 {
	gb := cfg.Pipeline.MinFreeGBDVD
	switch kind {
	case disc.KindBluRay:
		gb = cfg.Pipeline.MinFreeGBBluRay
	case disc.KindBluRay4K:
		gb = cfg.Pipeline.MinFreeGBUHD
	}
	return uint64(gb) * bytesPerGB
}

// CheckDiskSpace fails with *InsufficientDiskSpaceError when the filesystem
// holding root has less than required bytes free. root need not exist yet;
// the nearest existing parent is measured.
func CheckDiskSpace(root string, required uint64, free FreeSpaceFunc) error {
	if free == nil {
		free = FreeSpace
	}
	probe := existingParent(root)
	available, err := free(probe)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "extraction", "check disk space",
			fmt.Sprintf("statfs %s", probe), err)
	}
	if available < required {
		return &InsufficientDiskSpaceError{Path: probe, Required: required, Available: available}
	}
	return nil
}

func existingParent(path string) string {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
