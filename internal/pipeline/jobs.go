package pipeline

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"ripline/internal/conversion"
	"ripline/internal/disc"
	"ripline/internal/disc/fingerprint"
	"ripline/internal/logging"
	"ripline/internal/queue"
	"ripline/internal/services"
)

const fingerprintTimeout = 30 * time.Second

// EnqueueRequest describes a disc to add to the queue.
type EnqueueRequest struct {
	SourcePath string `json:"source_path"`
	OutputDir  string `json:"output_dir,omitempty"`
	// Device is the drive holding SourcePath. Leave empty for copies on
	// disk; protected sectors then fail extraction.
	Device      string         `json:"device,omitempty"`
	DiscTitle   string         `json:"disc_title,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Titles      []int          `json:"titles,omitempty"`
	Profile     *queue.Profile `json:"profile,omitempty"`
}

// Enqueue validates the source and appends a pending job. A source whose
// fingerprint matches an unfinished job is rejected.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*queue.Job, error) {
	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "enqueue", "source path is required", nil)
	}
	media, err := disc.Open(source)
	if err != nil {
		return nil, err
	}

	fp := strings.TrimSpace(req.Fingerprint)
	if fp == "" {
		fp, err = fingerprint.ComputeTimeout(ctx, media.Root, fingerprintTimeout)
		if err != nil {
			logging.WarnWithContext(m.logger, "disc fingerprint unavailable", "fingerprint_failed",
				logging.String("source_path", media.Root),
				logging.Error(err),
				logging.String(logging.FieldImpact, "duplicate detection disabled for this job"),
			)
			fp = ""
		}
	}

	profile := conversion.DefaultProfile(m.cfg)
	if req.Profile != nil {
		profile = *req.Profile
		profile.Titles = slices.Clone(req.Profile.Titles)
	}
	if len(req.Titles) > 0 {
		profile.Titles = slices.Clone(req.Titles)
	}
	outputDir := strings.TrimSpace(req.OutputDir)
	if outputDir == "" {
		outputDir = m.cfg.Paths.OutputDir
	}

	now := m.now().UTC()
	job := &queue.Job{
		ID:          uuid.NewString(),
		SourcePath:  media.Root,
		OutputDir:   outputDir,
		Device:      strings.TrimSpace(req.Device),
		Profile:     profile,
		MediaKind:   string(media.Kind),
		DiscTitle:   disc.DisplayTitle(req.DiscTitle, media.Root),
		Fingerprint: fp,
		Status:      queue.StatusPending,
		Message:     "waiting for drive",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return nil, services.Wrap(services.ErrInvalidState, "pipeline", "enqueue", "pipeline is shutting down", nil)
	}
	if fp != "" {
		for _, existing := range m.jobs {
			if existing.Fingerprint == fp && !existing.Status.IsTerminal() {
				return nil, services.Wrap(services.ErrValidation, "pipeline", "enqueue",
					fmt.Sprintf("disc already queued as job %s (%s)", existing.ID, existing.Status), nil)
			}
		}
	}

	job.Seq = m.nextSeq
	if err := m.saveLocked(job); err != nil {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "enqueue", "persist job", err)
	}
	m.nextSeq++
	m.jobs = append(m.jobs, job)
	m.index[job.ID] = job
	m.publishLocked(EventJobAdded, job)

	logging.WithContext(ctx, m.logger).Info("job enqueued",
		logging.String(logging.FieldEventType, "job_enqueued"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("disc_title", job.DiscTitle),
		logging.String("media_kind", media.Kind.String()),
		logging.String("source_path", job.SourcePath),
	)
	m.scheduleLocked()
	return job.Clone(), nil
}

// Cancel marks a pending job cancelled. Jobs that have started cannot be
// cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.index[id]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "pipeline", "cancel", fmt.Sprintf("job %s", id), nil)
	}
	if job.Status != queue.StatusPending {
		return nil, services.Wrap(services.ErrInvalidState, "pipeline", "cancel",
			fmt.Sprintf("job %s is %s; only pending jobs can be cancelled", id, job.Status), nil)
	}
	m.cancelLocked(job)
	logging.WithContext(ctx, m.logger).Info("job cancelled",
		logging.String(logging.FieldEventType, "job_cancelled"),
		logging.String(logging.FieldJobID, id),
	)
	return job.Clone(), nil
}

// CancelAllPending cancels every pending job and returns how many changed.
func (m *Manager) CancelAllPending(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, job := range m.jobs {
		if job.Status == queue.StatusPending {
			m.cancelLocked(job)
			count++
		}
	}
	if count > 0 {
		logging.WithContext(ctx, m.logger).Info("pending jobs cancelled",
			logging.String(logging.FieldEventType, "job_cancelled"),
			logging.Int("count", count),
		)
	}
	return count
}

func (m *Manager) cancelLocked(job *queue.Job) {
	now := m.now().UTC()
	job.SetFailed(queue.StatusCancelled, "", now)
	job.Message = "cancelled"
	job.UpdatedAt = now
	m.persistLocked(job)
	m.publishLocked(EventJobUpdated, job)
}

// Clear removes a finished job and any scratch data it kept.
func (m *Manager) Clear(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return services.Wrap(services.ErrNotFound, "pipeline", "clear", fmt.Sprintf("job %s", id), nil)
	}
	if !job.Status.IsTerminal() {
		m.mu.Unlock()
		return services.Wrap(services.ErrInvalidState, "pipeline", "clear",
			fmt.Sprintf("job %s is %s; only finished jobs can be cleared", id, job.Status), nil)
	}
	scratch := m.removeLocked(ctx, job)
	m.mu.Unlock()

	m.removeScratch(ctx, id, scratch)
	return nil
}

// ClearFinished removes every completed, failed or cancelled job.
func (m *Manager) ClearFinished(ctx context.Context) int {
	m.mu.Lock()
	var finished []*queue.Job
	for _, job := range m.jobs {
		if job.Status.IsTerminal() {
			finished = append(finished, job)
		}
	}
	scratch := make(map[string]string, len(finished))
	for _, job := range finished {
		scratch[job.ID] = m.removeLocked(ctx, job)
	}
	m.mu.Unlock()

	for id, dir := range scratch {
		m.removeScratch(ctx, id, dir)
	}
	return len(finished)
}

func (m *Manager) removeLocked(ctx context.Context, job *queue.Job) string {
	if m.store != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if _, err := m.store.Remove(storeCtx, job.ID); err != nil {
			logging.WarnWithContext(m.logger, "failed to remove job from store", "queue_persist_failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "job reappears after restart"),
			)
		}
		cancel()
	}
	m.jobs = slices.DeleteFunc(m.jobs, func(j *queue.Job) bool { return j.ID == job.ID })
	delete(m.index, job.ID)
	delete(m.runtime, job.ID)
	m.publishLocked(EventJobRemoved, job)
	return job.ScratchDir
}

func (m *Manager) removeScratch(ctx context.Context, id, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "failed to remove scratch directory", "scratch_cleanup_failed",
			logging.String(logging.FieldJobID, id),
			logging.String("scratch_dir", dir),
			logging.Error(err),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
	}
}

// Jobs returns copies of every job in queue order.
func (m *Manager) Jobs() []*queue.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*queue.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// Job returns a copy of one job.
func (m *Manager) Job(id string) (*queue.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.index[id]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "pipeline", "get job", fmt.Sprintf("job %s", id), nil)
	}
	return job.Clone(), nil
}

// Stats counts jobs by status. Every status is present.
func (m *Manager) Stats() map[queue.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[queue.Status]int)
	for _, status := range queue.AllStatuses() {
		stats[status] = 0
	}
	for _, job := range m.jobs {
		stats[job.Status]++
	}
	return stats
}

// Summary is a point-in-time view of the pipeline.
type Summary struct {
	Running         bool                 `json:"running"`
	ConversionSlots int                  `json:"conversion_slots"`
	Transcoder      string               `json:"transcoder"`
	Stats           map[queue.Status]int `json:"stats"`
	Active          []*queue.Job         `json:"active,omitempty"`
}

// Status reports whether the scheduler runs, the counts by status and the
// jobs currently owned by a stage.
func (m *Manager) Status() Summary {
	stats := m.Stats()
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary := Summary{
		Running:         m.ctx != nil && !m.stopping,
		ConversionSlots: m.slots,
		Transcoder:      m.transcoder.Name(),
		Stats:           stats,
	}
	for _, job := range m.jobs {
		if job.Status.IsActive() {
			summary.Active = append(summary.Active, job.Clone())
		}
	}
	return summary
}
