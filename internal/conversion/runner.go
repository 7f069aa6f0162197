package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ripline/internal/logging"
	"ripline/internal/services"
)

// DefaultTimeout bounds a single conversion.
const DefaultTimeout = 30 * time.Minute

// Runner applies the conversion timeout around a backend.
type Runner struct {
	backend Transcoder
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner wraps backend. A non-positive timeout uses DefaultTimeout.
func NewRunner(backend Transcoder, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{backend: backend, timeout: timeout, logger: logging.NewComponentLogger(logger, stageName)}
}

// Name reports the backend name.
func (r *Runner) Name() string { return r.backend.Name() }

// Transcode runs the backend under the timeout, or under req.Deadline when
// the caller set one. The backend's process is
// killed when the deadline passes and the error carries
// ErrConversionTimeout; a cancelled parent context yields ErrCancelled.
func (r *Runner) Transcode(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if progress == nil {
		progress = func(float64) {}
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, stageName, "create output dir", req.OutputDir, err)
	}
	logger := logging.WithContext(ctx, r.logger)

	limit, deadline := r.timeout, time.Now().Add(r.timeout)
	if !req.Deadline.IsZero() {
		deadline = req.Deadline
		limit = time.Until(deadline).Round(time.Second)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	started := time.Now()
	logger.Info("conversion started",
		logging.String(logging.FieldEventType, "conversion_start"),
		logging.String("backend", r.backend.Name()),
		logging.String("input", req.Input),
		logging.Duration("timeout", limit),
	)
	result, err := r.backend.Transcode(runCtx, req, func(f float64) { progress(clampFraction(f)) })
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{}, services.Wrap(services.ErrCancelled, stageName, "transcode", "conversion cancelled", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			logging.WarnWithContext(logger, "conversion timed out", "conversion_timeout",
				logging.String("input", req.Input),
				logging.Duration("timeout", limit),
				logging.String(logging.FieldErrorHint, "raise pipeline.conversion_timeout_minutes for long titles"),
			)
			_ = os.Remove(OutputPath(req.Input, req.OutputDir, req.Profile.Container))
			return Result{}, services.Wrap(services.ErrConversionTimeout, stageName, "transcode",
				fmt.Sprintf("exceeded %s", limit), err)
		default:
			return Result{}, err
		}
	}
	progress(1)
	logger.Info("conversion completed",
		logging.String(logging.FieldEventType, "conversion_complete"),
		logging.String("output", result.OutputPath),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}
