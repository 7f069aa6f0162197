package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"ripline/internal/config"
	"ripline/internal/deps"
	"ripline/internal/extraction"
)

const bytesPerGB = 1 << 30

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace compares the free space under path with minGB.
func CheckFreeSpace(name, path string, minGB int, free extraction.FreeSpaceFunc) Result {
	if free == nil {
		free = extraction.FreeSpace
	}
	required := uint64(minGB) * bytesPerGB
	err := extraction.CheckDiskSpace(path, required, free)
	var spaceErr *extraction.InsufficientDiskSpaceError
	switch {
	case err == nil:
		available, _ := free(path)
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%.1f GB free", float64(available)/bytesPerGB)}
	case errors.As(err, &spaceErr):
		return Result{Name: name, Detail: fmt.Sprintf("%.1f GB free, %d GB required", float64(spaceErr.Available)/bytesPerGB, minGB)}
	default:
		return Result{Name: name, Detail: err.Error()}
	}
}

// CheckDevice verifies that the optical drive node exists and can be opened.
func CheckDevice(device string) Result {
	const name = "Optical drive"
	device = strings.TrimSpace(device)
	if device == "" {
		return Result{Name: name, Detail: "not configured (copies on disk only)"}
	}
	info, err := os.Stat(device)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", device, err)}
	}
	if info.Mode()&os.ModeDevice == 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not a device node)", device)}
	}
	if err := unix.Access(device, unix.R_OK|unix.W_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: SG_IO needs read/write access: %v)", device, err)}
	}
	return Result{Name: name, Passed: true, Detail: device}
}

// CheckKeyDB reports whether the AACS key database file is present.
func CheckKeyDB(path string) Result {
	const name = "KEYDB"
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (missing; AACS discs need drive key exchange)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d KB, updated %s)", path, info.Size()/1024, info.ModTime().Format(time.DateOnly))}
}

// CheckNtfy verifies the ntfy server behind topicURL answers its health
// endpoint.
func CheckNtfy(ctx context.Context, topicURL string) Result {
	const name = "ntfy"

	topicURL = strings.TrimSpace(topicURL)
	if topicURL == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	parsed, err := url.Parse(topicURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Result{Name: name, Detail: fmt.Sprintf("invalid topic url %q", topicURL)}
	}
	health := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/v1/health"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, health.String(), nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// CheckSystemDeps evaluates the external programs the configuration needs.
// Both the daemon and the CLI status command use this.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.Requirements(cfg))
}
