package queue

import (
	"errors"
	"slices"
	"strings"
	"time"

	"ripline/internal/services"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusExtracted  Status = "extracted"
	StatusConverting Status = "converting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// InterruptedReason is recorded on extractions cut short by a daemon restart.
const InterruptedReason = "interrupted by daemon restart"

var allStatuses = []Status{
	StatusPending,
	StatusExtracting,
	StatusExtracted,
	StatusConverting,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	return slices.Clone(allStatuses)
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if slices.Contains(allStatuses, normalized) {
		return normalized, true
	}
	return "", false
}

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a worker currently owns the job.
func (s Status) IsActive() bool {
	return s == StatusExtracting || s == StatusConverting
}

// FailureStatus maps a stage error to the status the pipeline records:
// cooperative cancellation ends in cancelled, everything else in failed.
func FailureStatus(err error) Status {
	if services.IsCancellation(err) && !errors.Is(err, services.ErrConversionTimeout) {
		return StatusCancelled
	}
	return StatusFailed
}

// Profile carries the conversion settings chosen at enqueue time.
type Profile struct {
	Backend          string `json:"backend,omitempty"`
	Codec            string `json:"codec,omitempty"`
	Quality          int    `json:"quality,omitempty"`
	Preset           string `json:"preset,omitempty"`
	Container        string `json:"container,omitempty"`
	IncludeSubtitles bool   `json:"include_subtitles"`
	IncludeChapters  bool   `json:"include_chapters"`
	// Titles restricts extraction to these title or playlist numbers.
	Titles []int `json:"titles,omitempty"`
}

// Job is one disc moving through extraction and conversion.
type Job struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	SourcePath  string     `json:"source_path"`
	OutputDir   string     `json:"output_dir"`
	Device      string     `json:"device,omitempty"`
	Profile     Profile    `json:"profile"`
	MediaKind   string     `json:"media_kind,omitempty"`
	DiscTitle   string     `json:"disc_title"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	Message     string     `json:"message,omitempty"`
	ScratchDir  string     `json:"scratch_dir,omitempty"`
	OutputFiles []string   `json:"output_files,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ExtractedAt *time.Time `json:"extracted_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Profile.Titles = slices.Clone(j.Profile.Titles)
	cp.OutputFiles = slices.Clone(j.OutputFiles)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.ExtractedAt = cloneTime(j.ExtractedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return &cp
}

// SetFailed moves the job to a terminal failure state with msg retained.
func (j *Job) SetFailed(status Status, msg string, now time.Time) {
	j.Status = status
	j.Error = msg
	j.Message = msg
	j.FinishedAt = &now
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
