package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"ripline/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	OutputPaths []string
	Development bool
	// Stream mirrors every record into the hub when set.
	Stream *StreamHub
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	paths := opts.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}
	writer, color, err := openWriters(paths)
	if err != nil {
		return nil, err
	}

	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = newJSONHandler(writer, levelVar, addSource)
	case "console":
		handler = newConsoleHandler(writer, levelVar, addSource, color)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
	if opts.Stream != nil {
		handler = newStreamHandler(handler, opts.Stream)
	}
	return slog.New(handler), nil
}

// RunLog names the files NewRunLogger set up.
type RunLog struct {
	// Path is this run's log file.
	Path string
	// Current is the stable <prefix>.log link to Path.
	Current string
	// Pruned counts older run logs removed by retention.
	Pruned int
}

// NewRunLogger logs to stdout and to a fresh <log_dir>/<prefix>-<run id>.log,
// repoints <log_dir>/<prefix>.log at it and prunes run logs older than
// logging.retention_days. Level and Format in opts override the config when
// set; OutputPaths is ignored.
func NewRunLogger(cfg *config.Config, prefix string, opts Options) (*slog.Logger, RunLog, error) {
	if opts.Level == "" {
		opts.Level = cfg.Logging.Level
	}
	if opts.Format == "" {
		opts.Format = cfg.Logging.Format
	}
	dir := strings.TrimSpace(cfg.Paths.LogDir)
	if dir == "" {
		opts.OutputPaths = []string{"stdout"}
		logger, err := New(opts)
		return logger, RunLog{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, RunLog{}, fmt.Errorf("ensure log directory: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	run := RunLog{
		Path:    filepath.Join(dir, prefix+"-"+runID+".log"),
		Current: filepath.Join(dir, prefix+".log"),
	}
	opts.OutputPaths = []string{"stdout", run.Path}
	logger, err := New(opts)
	if err != nil {
		return nil, RunLog{}, err
	}
	if err := pointAt(run.Current, run.Path); err != nil {
		WarnWithContext(logger, "current log link not updated", "log_link_failed",
			String("path", run.Current),
			Error(err),
			String(FieldImpact, "the stable log name shows an older run"),
		)
	}
	run.Pruned = CleanupOldLogs(logger, cfg.Logging.RetentionDays, dir, prefix+"-*.log", run.Path)
	return logger, run, nil
}

// pointAt replaces link with a symlink to target, or a hard link where
// symlinks are unsupported.
func pointAt(link, target string) error {
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Symlink(target, link); err != nil {
		return os.Link(target, link)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openWriters resolves output paths into a single writer. Colour is only
// enabled when every destination is a terminal.
func openWriters(paths []string) (io.Writer, bool, error) {
	seen := map[string]struct{}{}
	var writers []io.Writer
	color := true
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
			color = color && isatty.IsTerminal(os.Stdout.Fd())
		case "stderr":
			writers = append(writers, os.Stderr)
			color = color && isatty.IsTerminal(os.Stderr.Fd())
		default:
			if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, false, err
				}
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, false, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
			color = false
		}
	}
	switch len(writers) {
	case 0:
		return os.Stdout, false, nil
	case 1:
		return writers[0], color, nil
	default:
		return io.MultiWriter(writers...), color, nil
	}
}

func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	opts := slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "ts"
				if attr.Value.Kind() == slog.KindTime {
					attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
				}
			case slog.LevelKey:
				attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			case slog.SourceKey:
				if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
					attr.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return attr
		},
	}
	return slog.NewJSONHandler(w, &opts)
}
