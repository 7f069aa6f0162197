package logging

import "strings"

// ProgressSampler thins progress logging to one line per step of a job's
// completion fraction, plus a line on every stage change and one on
// completion. It is not safe for concurrent use.
type ProgressSampler struct {
	step     float64
	stage    string
	lastStep int
	finished bool
}

// NewProgressSampler returns a sampler that logs every step of progress,
// where step is a fraction in (0, 1]. Out-of-range steps default to 0.1.
func NewProgressSampler(step float64) *ProgressSampler {
	if step <= 0 || step > 1 {
		step = 0.1
	}
	return &ProgressSampler{step: step, lastStep: -1}
}

// ShouldLog reports whether an update at fraction (0..1) in stage deserves a
// log line. A negative fraction means unknown progress; only the stage is
// considered.
func (s *ProgressSampler) ShouldLog(fraction float64, stage string) bool {
	if s == nil {
		return true
	}
	emit := false
	if stage = strings.TrimSpace(stage); stage != "" && stage != s.stage {
		s.stage = stage
		s.lastStep = -1
		s.finished = false
		emit = true
	}
	if fraction < 0 {
		return emit
	}
	if fraction >= 1 {
		if s.finished {
			return emit
		}
		s.finished = true
		return true
	}
	if n := int(fraction / s.step); n > s.lastStep {
		s.lastStep = n
		emit = true
	}
	return emit
}
