package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"ripline/internal/conversion"
	"ripline/internal/extraction"
	"ripline/internal/fileutil"
	"ripline/internal/logging"
	"ripline/internal/notifications"
	"ripline/internal/queue"
	"ripline/internal/services"
)

const (
	stageExtraction = "extraction"
	stageConversion = "conversion"
)

// scheduleLocked starts whatever the current state allows: the oldest
// pending job when the drive is idle, then the oldest extracted jobs until
// the conversion slots are full.
func (m *Manager) scheduleLocked() {
	if m.ctx == nil || m.stopping {
		return
	}
	extracting, converting := 0, 0
	for _, job := range m.jobs {
		switch job.Status {
		case queue.StatusExtracting:
			extracting++
		case queue.StatusConverting:
			converting++
		}
	}

	if extracting == 0 {
		if job := m.oldestLocked(queue.StatusPending); job != nil {
			m.beginLocked(job, queue.StatusExtracting, "extracting")
			m.launchLocked(job.ID, m.runExtraction)
		}
	}
	for converting < m.slots {
		job := m.oldestLocked(queue.StatusExtracted)
		if job == nil {
			break
		}
		m.beginLocked(job, queue.StatusConverting, "converting")
		m.launchLocked(job.ID, m.runConversion)
		converting++
	}
}

func (m *Manager) oldestLocked(status queue.Status) *queue.Job {
	for _, job := range m.jobs {
		if job.Status == status {
			return job
		}
	}
	return nil
}

func (m *Manager) beginLocked(job *queue.Job, status queue.Status, message string) {
	now := m.now().UTC()
	job.Status = status
	job.Progress = 0
	job.Message = message
	job.Error = ""
	job.UpdatedAt = now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	m.busy = true
	m.persistLocked(job)
	m.publishLocked(EventJobUpdated, job)
}

func (m *Manager) launchLocked(id string, run func(context.Context, string)) {
	scope := services.Scope{JobID: id}
	if job, ok := m.index[id]; ok {
		scope.Device = job.Device
	}
	ctx := services.WithScope(m.ctx, scope)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(ctx, id)
	}()
}

func (m *Manager) snapshot(id string) *queue.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.index[id]; ok {
		return job.Clone()
	}
	return nil
}

func (m *Manager) runExtraction(ctx context.Context, id string) {
	job := m.snapshot(id)
	if job == nil {
		return
	}
	ctx = services.WithStage(ctx, stageExtraction)
	logger := logging.WithContext(ctx, m.logger)
	m.notify(ctx, notifications.EventExtractionStarted, notifications.Payload{"discTitle": job.DiscTitle})

	result, err := m.extractor.Extract(ctx, extraction.Request{
		JobID:      id,
		SourcePath: job.SourcePath,
		Device:     job.Device,
		Titles:     job.Profile.Titles,
	}, func(fraction float64, message string) {
		m.reportProgress(ctx, id, stageExtraction, fraction, message)
	})
	if err != nil {
		m.fail(ctx, id, stageExtraction, err)
		return
	}

	m.mu.Lock()
	current, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now().UTC()
	current.Status = queue.StatusExtracted
	current.ScratchDir = result.ScratchDir
	current.MediaKind = string(result.MediaKind)
	if current.DiscTitle == "" {
		current.DiscTitle = result.DiscTitle
	}
	current.Progress = 0
	current.Message = "waiting for conversion slot"
	current.ExtractedAt = &now
	current.UpdatedAt = now
	m.persistLocked(current)
	m.publishLocked(EventJobUpdated, current)
	job = current.Clone()
	m.mu.Unlock()

	logger.Info("extraction completed",
		logging.String(logging.FieldEventType, "extraction_complete"),
		logging.Int("files", len(result.Files)),
		logging.String("scratch_dir", result.ScratchDir),
	)
	m.ejectOnce(ctx, job)
	m.notify(ctx, notifications.EventExtractionCompleted, notifications.Payload{"discTitle": job.DiscTitle})

	m.mu.Lock()
	m.scheduleLocked()
	m.mu.Unlock()
}

// ejectOnce calls the ejector the first time a job finishes extraction.
// Ejection failures are logged only; the staged data is already safe.
func (m *Manager) ejectOnce(ctx context.Context, job *queue.Job) {
	m.mu.Lock()
	rt := m.runtimeLocked(job.ID)
	already := rt.ejected
	rt.ejected = true
	m.mu.Unlock()
	if already || m.eject == nil {
		return
	}

	ejectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ejectTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, m.logger)
	if err := m.eject(ejectCtx, job); err != nil {
		logging.WarnWithContext(logger, "disc eject failed", "eject_failed",
			logging.String("device", job.Device),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "eject the disc manually"),
			logging.String(logging.FieldImpact, "drive stays loaded until ejected"),
		)
		return
	}
	logger.Info("disc ejected",
		logging.String(logging.FieldEventType, "disc_ejected"),
		logging.String("device", job.Device),
	)
}

func (m *Manager) runConversion(ctx context.Context, id string) {
	job := m.snapshot(id)
	if job == nil {
		return
	}
	ctx = services.WithStage(ctx, stageConversion)
	logger := logging.WithContext(ctx, m.logger)

	manifest, err := extraction.ReadManifest(job.ScratchDir)
	if err != nil {
		m.fail(ctx, id, stageConversion, err)
		return
	}
	if len(manifest.Files) == 0 {
		m.fail(ctx, id, stageConversion, services.Wrap(services.ErrValidation, stageConversion, "plan", "no staged titles in scratch", nil))
		return
	}

	outDir := filepath.Join(job.OutputDir, fileutil.SanitizeName(job.DiscTitle, job.ID))
	// One budget covers every title of the job.
	budget := m.cfg.ConversionTimeout()
	if budget <= 0 {
		budget = conversion.DefaultTimeout
	}
	deadline := time.Now().Add(budget)
	total := float64(len(manifest.Files))
	outputs := make([]string, 0, len(manifest.Files))
	for i, staged := range manifest.Files {
		if err := services.CheckCancelled(ctx, stageConversion); err != nil {
			m.fail(ctx, id, stageConversion, err)
			return
		}
		base := float64(i) / total
		label := fmt.Sprintf("title %d (%d/%d)", staged.Title, i+1, len(manifest.Files))
		result, err := m.transcoder.Transcode(ctx, conversion.Request{
			JobID:     id,
			Input:     staged.Path,
			OutputDir: outDir,
			Profile:   job.Profile,
			Duration:  staged.Duration,
			Deadline:  deadline,
		}, func(fraction float64) {
			m.reportProgress(ctx, id, stageConversion, base+fraction/total, label)
		})
		if err != nil {
			m.fail(ctx, id, stageConversion, err)
			return
		}
		outputs = append(outputs, result.OutputPath)
	}

	m.mu.Lock()
	current, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now().UTC()
	scratch := current.ScratchDir
	current.Status = queue.StatusCompleted
	current.Progress = 1
	current.Message = "completed"
	current.OutputFiles = outputs
	current.ScratchDir = ""
	current.FinishedAt = &now
	current.UpdatedAt = now
	m.persistLocked(current)
	m.publishLocked(EventJobUpdated, current)
	delete(m.runtime, id)
	m.mu.Unlock()

	m.removeScratch(ctx, id, scratch)
	logger.Info("conversion completed",
		logging.String(logging.FieldEventType, "conversion_complete"),
		logging.Int("files", len(outputs)),
		logging.String("output_dir", outDir),
	)
	m.notify(ctx, notifications.EventConversionCompleted, notifications.Payload{
		"discTitle": job.DiscTitle,
		"files":     len(outputs),
	})
	m.afterFinish(ctx)
}

// fail records a stage error on the job. Cancellation caused by Shutdown
// leaves the job and its scratch untouched so recovery can resume it; any
// other conversion failure removes the scratch before the job is marked.
func (m *Manager) fail(ctx context.Context, id, stage string, err error) {
	logger := logging.WithContext(ctx, m.logger)

	m.mu.Lock()
	if (m.stopping || m.ctx.Err() != nil) && services.IsCancellation(err) {
		m.mu.Unlock()
		logger.Info("stage interrupted by shutdown",
			logging.String(logging.FieldEventType, "stage_interrupted"),
			logging.Error(err),
		)
		return
	}
	var scratch string
	if job, ok := m.index[id]; ok && stage == stageConversion {
		scratch = job.ScratchDir
	}
	m.mu.Unlock()

	// The extractor cleans up after itself on error.
	m.removeScratch(ctx, id, scratch)

	m.mu.Lock()
	job, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now().UTC()
	status := queue.FailureStatus(err)
	job.SetFailed(status, err.Error(), now)
	job.UpdatedAt = now
	job.ScratchDir = ""
	m.persistLocked(job)
	m.publishLocked(EventJobUpdated, job)
	delete(m.runtime, id)
	discTitle := job.DiscTitle
	m.mu.Unlock()

	if status == queue.StatusCancelled {
		logger.Info("stage cancelled",
			logging.String(logging.FieldEventType, "stage_cancelled"),
			logging.Error(err),
		)
	} else {
		logging.ErrorWithContext(logger, "stage failed", "stage_failure",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, errorHint(err)),
		)
		m.notify(ctx, notifications.EventError, notifications.Payload{"context": discTitle, "error": err})
	}
	m.afterFinish(ctx)
}

// afterFinish schedules the next work and reports a drained queue once.
func (m *Manager) afterFinish(ctx context.Context) {
	m.mu.Lock()
	m.scheduleLocked()
	idle := m.busy && !m.stopping
	completed, failed := 0, 0
	for _, job := range m.jobs {
		switch job.Status {
		case queue.StatusCompleted:
			completed++
		case queue.StatusFailed:
			failed++
		case queue.StatusCancelled:
		default:
			idle = false
		}
	}
	if idle {
		m.busy = false
	}
	m.mu.Unlock()

	if idle {
		m.notify(ctx, notifications.EventQueueEmpty, notifications.Payload{"completed": completed, "failed": failed})
	}
}

func (m *Manager) reportProgress(ctx context.Context, id, stage string, fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	m.mu.Lock()
	job, ok := m.index[id]
	if !ok || !job.Status.IsActive() {
		m.mu.Unlock()
		return
	}
	job.Progress = fraction
	job.Message = message
	job.UpdatedAt = m.now().UTC()
	rt := m.runtimeLocked(id)
	if fraction >= 1 || rt.limiter.Allow() {
		m.publishLocked(EventJobProgress, job)
	}
	logIt := rt.sampler.ShouldLog(fraction, stage)
	m.mu.Unlock()

	if logIt {
		logging.WithContext(ctx, m.logger).Info("job progress",
			logging.String(logging.FieldEventType, "job_progress"),
			logging.Percent(fraction),
			logging.String("message", message),
		)
	}
}

func errorHint(err error) string {
	switch {
	case errors.Is(err, services.ErrInsufficientDiskSpace):
		return "free space in paths.scratch_dir or lower pipeline.min_free_gb_*"
	case errors.Is(err, services.ErrAuthenticationFailed):
		return "check the drive region and the configured host certificate"
	case errors.Is(err, services.ErrVolumeKeyNotFound):
		return "add the disc to KEYDB.cfg or refresh it"
	case errors.Is(err, services.ErrConversionTimeout):
		return "raise pipeline.conversion_timeout_minutes"
	case errors.Is(err, services.ErrExternalTool):
		return "check the transcoder installation with ripline status"
	case errors.Is(err, services.ErrConfiguration):
		return "run ripline config validate"
	case errors.Is(err, services.ErrInvalidFormat):
		return "the disc structure could not be parsed; try a fresh copy"
	default:
		return "see the job error for details"
	}
}
