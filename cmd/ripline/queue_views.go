package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ripline/internal/queue"
)

func buildQueueStatusRows(stats map[queue.Status]int) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, status := range queue.AllStatuses() {
		count := stats[status]
		if count == 0 {
			continue
		}
		rows = append(rows, []string{formatStatusLabel(string(status)), fmt.Sprintf("%d", count)})
	}
	return rows
}

func buildJobListRows(jobs []*queue.Job) [][]string {
	if len(jobs) == 0 {
		return nil
	}
	sorted := make([]*queue.Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	rows := make([][]string, 0, len(sorted))
	for _, job := range sorted {
		rows = append(rows, []string{
			shortID(job.ID),
			jobTitle(job),
			formatStatusLabel(string(job.Status)),
			formatProgress(job),
			formatDisplayTime(job.CreatedAt),
			formatFingerprint(job.Fingerprint),
		})
	}
	return rows
}

func jobDetailRows(job *queue.Job) [][]string {
	rows := [][]string{
		{"ID", job.ID},
		{"Title", jobTitle(job)},
		{"Status", formatStatusLabel(string(job.Status))},
		{"Progress", formatProgress(job)},
		{"Source", job.SourcePath},
		{"Output", job.OutputDir},
	}
	optional := []struct{ label, value string }{
		{"Device", job.Device},
		{"Media", job.MediaKind},
		{"Fingerprint", job.Fingerprint},
		{"Scratch", job.ScratchDir},
		{"Message", job.Message},
		{"Error", job.Error},
	}
	for _, field := range optional {
		if strings.TrimSpace(field.value) != "" {
			rows = append(rows, []string{field.label, field.value})
		}
	}
	if len(job.Profile.Titles) > 0 {
		rows = append(rows, []string{"Titles", joinInts(job.Profile.Titles)})
	}
	rows = append(rows, []string{"Created", formatDisplayTime(job.CreatedAt)})
	if job.FinishedAt != nil {
		rows = append(rows, []string{"Finished", formatDisplayTime(*job.FinishedAt)})
	}
	for _, file := range job.OutputFiles {
		rows = append(rows, []string{"File", file})
	}
	return rows
}

func jobTitle(job *queue.Job) string {
	title := strings.TrimSpace(job.DiscTitle)
	if title != "" {
		return title
	}
	if source := strings.TrimSpace(job.SourcePath); source != "" {
		return filepath.Base(source)
	}
	return "Unknown"
}

func formatProgress(job *queue.Job) string {
	switch job.Status {
	case queue.StatusExtracting, queue.StatusConverting:
		return fmt.Sprintf("%.0f%%", job.Progress*100)
	case queue.StatusCompleted:
		return "100%"
	default:
		return "-"
	}
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	parts := strings.Split(status, "_")
	for i, part := range parts {
		lower := strings.ToLower(part)
		if lower == "" {
			continue
		}
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatFingerprint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	if len(value) > 12 {
		return value[:12]
	}
	return value
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}
