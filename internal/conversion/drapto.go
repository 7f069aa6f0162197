package conversion

import (
	"context"
	"log/slog"
	"strings"

	draptolib "github.com/five82/drapto"

	"ripline/internal/logging"
	"ripline/internal/services"
)

// Drapto converts titles with the drapto library in-process. Drapto picks
// its own AV1 settings, so only the output directory and progress are
// driven from the request.
type Drapto struct {
	logger *slog.Logger
}

// NewDrapto builds the drapto backend.
func NewDrapto(logger *slog.Logger) *Drapto {
	return &Drapto{logger: logging.NewComponentLogger(logger, "drapto")}
}

func (d *Drapto) Name() string { return "drapto" }

func (d *Drapto) Transcode(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, stageName, "drapto init", "", err)
	}
	rep := &draptoReporter{logger: logging.WithContext(ctx, d.logger), progress: progress, sampler: logging.NewProgressSampler(0.05)}
	if _, err := encoder.EncodeWithReporter(ctx, req.Input, strings.TrimSpace(req.OutputDir), rep); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, services.Wrap(services.ErrExternalTool, stageName, "drapto encode",
			"drapto encoding failed; inspect the conversion log output", err)
	}
	output := OutputPath(req.Input, req.OutputDir, "mkv")
	if rep.outputPath != "" {
		output = rep.outputPath
	}
	return Result{OutputPath: output}, nil
}

// draptoReporter forwards drapto's progress to a ProgressFunc and logs the
// milestones worth keeping.
type draptoReporter struct {
	logger     *slog.Logger
	progress   ProgressFunc
	sampler    *logging.ProgressSampler
	outputPath string
}

func (r *draptoReporter) report(percent float64, stage string) {
	if r.progress != nil {
		r.progress(clampFraction(percent / 100))
	}
	if r.sampler.ShouldLog(percent/100, stage) {
		r.logger.Info("drapto progress",
			logging.Percent(percent/100),
			logging.String("progress_stage", stage),
		)
	}
}

func (r *draptoReporter) Hardware(s draptolib.HardwareSummary) {
	r.logger.Debug("drapto hardware", logging.String("hostname", strings.TrimSpace(s.Hostname)))
}

func (r *draptoReporter) Initialization(s draptolib.InitializationSummary) {
	r.logger.Info("drapto input",
		logging.String("video_file", strings.TrimSpace(s.InputFile)),
		logging.String("video_duration", strings.TrimSpace(s.Duration)),
		logging.String("video_dynamic_range", strings.TrimSpace(s.DynamicRange)),
	)
}

func (r *draptoReporter) StageProgress(s draptolib.StageProgress) {
	r.report(float64(s.Percent), s.Stage)
}

func (r *draptoReporter) CropResult(s draptolib.CropSummary) {
	r.logger.Info("drapto crop", logging.Any("crop", s.Crop), logging.Any("required", s.Required))
}

func (r *draptoReporter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.logger.Info("drapto encoding config",
		logging.Any("encoder", s.Encoder),
		logging.Any("preset", s.Preset),
		logging.Any("quality", s.Quality),
	)
}

func (r *draptoReporter) EncodingStarted(totalFrames uint64) {
	r.logger.Debug("drapto encoding started", logging.Uint64("total_frames", totalFrames))
}

func (r *draptoReporter) EncodingProgress(s draptolib.ProgressSnapshot) {
	r.report(float64(s.Percent), "encoding")
}

func (r *draptoReporter) ValidationComplete(s draptolib.ValidationSummary) {
	if !s.Passed {
		logging.WarnWithContext(r.logger, "drapto validation failed", "drapto_validation_failed",
			logging.Int("steps", len(s.Steps)),
		)
	}
}

func (r *draptoReporter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.outputPath = strings.TrimSpace(s.OutputPath)
}

func (r *draptoReporter) Warning(message string) {
	logging.WarnWithContext(r.logger, "drapto warning", "drapto_warning", logging.String("message", message))
}

func (r *draptoReporter) Error(e draptolib.ReporterError) {
	r.logger.Error("drapto error",
		logging.String("title", e.Title),
		logging.String("message", e.Message),
		logging.String(logging.FieldErrorHint, e.Suggestion),
	)
}

func (r *draptoReporter) OperationComplete(message string) {
	r.logger.Debug("drapto operation complete", logging.String("message", message))
}

func (r *draptoReporter) BatchStarted(draptolib.BatchStartInfo)      {}
func (r *draptoReporter) FileProgress(draptolib.FileProgressContext) {}
func (r *draptoReporter) BatchComplete(draptolib.BatchSummary)       {}

var _ draptolib.Reporter = (*draptoReporter)(nil)
