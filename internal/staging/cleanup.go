package staging

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ripline/internal/logging"
)

// DirInfo describes one per-job scratch directory.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// CleanResult contains the outcome of a scratch cleanup pass.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// Policy decides which scratch directories survive a cleanup pass. Names
// are job ids. Pinned directories belong to unfinished jobs and are never
// removed. Live directories belong to finished jobs that still reference
// them; they are kept until older than MaxAge (zero keeps them forever).
type Policy struct {
	Pinned func(name string) bool
	Live   func(name string) bool
	MaxAge time.Duration
	Now    func() time.Time
}

func (p Policy) clock() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// verdict reports whether dir should go and why.
func (p Policy) verdict(dir DirInfo, now time.Time) (bool, string) {
	if p.Pinned != nil && p.Pinned(dir.Name) {
		return false, ""
	}
	if p.MaxAge > 0 && now.Sub(dir.ModTime) > p.MaxAge {
		return true, "expired"
	}
	if p.Live != nil && p.Live(dir.Name) {
		return false, ""
	}
	return true, "orphaned"
}

// Clean removes per-job scratch directories that no live job owns or that
// have outlived the retention window. Plain files are left alone.
func Clean(ctx context.Context, scratchDir string, policy Policy, logger *slog.Logger) CleanResult {
	var result CleanResult
	dirs, err := scan(scratchDir, false)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: scratchDir, Error: err})
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	now := policy.clock()
	for _, dir := range dirs {
		if ctx.Err() != nil {
			break
		}
		remove, reason := policy.verdict(dir, now)
		if !remove {
			continue
		}
		if err := os.RemoveAll(dir.Path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
			logging.WarnWithContext(logger, "failed to remove scratch directory", "scratch_cleanup_failed",
				logging.String("path", dir.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check scratch_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dir.Path)
		logger.Info("removed scratch directory",
			logging.String(logging.FieldEventType, "scratch_cleanup"),
			logging.String("path", dir.Path),
			logging.String("reason", reason),
			logging.Duration("age", now.Sub(dir.ModTime)),
		)
	}
	return result
}

// ListDirectories returns every directory under the scratch root with its
// size on disk. A blank or missing root yields nil.
func ListDirectories(scratchDir string) ([]DirInfo, error) {
	return scan(scratchDir, true)
}

// scan lists the directories directly under root. Entries that vanish
// between the listing and the stat are skipped.
func scan(root string, sized bool) ([]DirInfo, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dir := DirInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(root, entry.Name()),
			ModTime: info.ModTime(),
		}
		if sized {
			dir.Size = treeSize(dir.Path)
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// treeSize sums regular file sizes below path, ignoring unreadable parts.
func treeSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
