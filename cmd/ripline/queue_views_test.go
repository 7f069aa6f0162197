package main

import (
	"testing"
	"time"

	"ripline/internal/queue"
)

func TestFormatProgress(t *testing.T) {
	cases := []struct {
		status   queue.Status
		progress float64
		want     string
	}{
		{queue.StatusExtracting, 0.42, "42%"},
		{queue.StatusConverting, 1, "100%"},
		{queue.StatusCompleted, 0, "100%"},
		{queue.StatusPending, 0.5, "-"},
		{queue.StatusFailed, 0.3, "-"},
	}
	for _, tc := range cases {
		job := &queue.Job{Status: tc.status, Progress: tc.progress}
		if got := formatProgress(job); got != tc.want {
			t.Errorf("formatProgress(%s, %v) = %q, want %q", tc.status, tc.progress, got, tc.want)
		}
	}
}

func TestBuildQueueStatusRowsFollowsLifecycleOrder(t *testing.T) {
	rows := buildQueueStatusRows(map[queue.Status]int{
		queue.StatusFailed:     1,
		queue.StatusPending:    3,
		queue.StatusConverting: 2,
		queue.StatusCompleted:  0,
	})
	want := [][]string{{"Pending", "3"}, {"Converting", "2"}, {"Failed", "1"}}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if rows[i][0] != want[i][0] || rows[i][1] != want[i][1] {
			t.Fatalf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestBuildJobListRowsSortsBySeq(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := []*queue.Job{
		{ID: "bbbbbbbb-2222", Seq: 2, DiscTitle: "Second", Status: queue.StatusPending, CreatedAt: created},
		{ID: "aaaaaaaa-1111", Seq: 1, SourcePath: "/media/FIRST_DISC", Status: queue.StatusCompleted, Fingerprint: "0123456789abcdef"},
	}
	rows := buildJobListRows(jobs)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0][0] != "aaaaaaaa" || rows[0][1] != "FIRST_DISC" || rows[0][5] != "0123456789ab" {
		t.Fatalf("first row = %v", rows[0])
	}
	if rows[1][1] != "Second" || rows[1][5] != "-" {
		t.Fatalf("second row = %v", rows[1])
	}
}

func TestFormatStatusLabelAndLength(t *testing.T) {
	if got := formatStatusLabel("extracted"); got != "Extracted" {
		t.Fatalf("formatStatusLabel = %q", got)
	}
	if got := formatLength(95*time.Minute + 7*time.Second); got != "1:35:07" {
		t.Fatalf("formatLength = %q", got)
	}
	if got := formatAge(50 * time.Hour); got != "2d" {
		t.Fatalf("formatAge = %q", got)
	}
}
