package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanupOldLogs deletes regular files in dir matching pattern (all files
// when empty) whose modification time is more than retentionDays old, and
// returns how many went. keep, normally the active run log, always stays.
// retentionDays <= 0 disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, dir, pattern, keep string) int {
	if retentionDays <= 0 || dir == "" {
		return 0
	}
	if pattern == "" {
		pattern = "*"
	}
	if logger == nil {
		logger = NewNop()
	}
	candidates, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	if keep != "" {
		keep = filepath.Clean(keep)
	}
	removed := 0
	for _, path := range candidates {
		if path == keep {
			continue
		}
		// Lstat so the current-run link is judged as itself, never its target.
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed++
		logger.Info("log pruned",
			String(FieldEventType, "log_pruned"),
			String("path", path),
			Int("retention_days", retentionDays),
		)
	}
	return removed
}
