package conversion

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"ripline/internal/config"
	"ripline/internal/queue"
	"ripline/internal/services"
)

const stageName = "conversion"

// Request is one staged title to convert.
type Request struct {
	JobID     string
	Input     string
	OutputDir string
	Profile   queue.Profile
	// Duration is the title length in seconds; zero disables ffmpeg's
	// fractional progress.
	Duration float64
	// Deadline, when set, bounds the run instead of the Runner timeout so
	// every title of one job shares a single budget.
	Deadline time.Time
}

// Result describes the converted output.
type Result struct {
	OutputPath string
}

// ProgressFunc receives a completion fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Transcoder converts one input file.
type Transcoder interface {
	Name() string
	Transcode(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// NewFromConfig builds the configured backend wrapped in a Runner.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	var backend Transcoder
	switch strings.ToLower(strings.TrimSpace(cfg.Conversion.Backend)) {
	case "", "ffmpeg":
		backend = NewFFmpeg(cfg.Conversion.FFmpegBinary)
	case "drapto":
		backend = NewDrapto(logger)
	default:
		return nil, services.Wrap(services.ErrConfiguration, stageName, "select backend",
			fmt.Sprintf("unknown backend %q", cfg.Conversion.Backend), nil)
	}
	return NewRunner(backend, cfg.ConversionTimeout(), logger), nil
}

// DefaultProfile returns the conversion settings configured for new jobs.
func DefaultProfile(cfg *config.Config) queue.Profile {
	c := cfg.Conversion
	return queue.Profile{
		Backend:          c.Backend,
		Codec:            c.Codec,
		Quality:          c.Quality,
		Preset:           c.Preset,
		Container:        c.Container,
		IncludeSubtitles: c.IncludeSubtitles,
		IncludeChapters:  c.IncludeChapters,
	}
}

// OutputPath returns where input lands inside outputDir for container.
func OutputPath(input, outputDir, container string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	container = strings.TrimPrefix(strings.TrimSpace(container), ".")
	if container == "" {
		container = "mkv"
	}
	return filepath.Join(outputDir, stem+"."+container)
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Input) == "" {
		return services.Wrap(services.ErrValidation, stageName, "transcode", "input path required", nil)
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return services.Wrap(services.ErrValidation, stageName, "transcode", "output directory required", nil)
	}
	return nil
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
