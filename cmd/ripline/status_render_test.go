package main

import (
	"bytes"
	"strings"
	"testing"

	"ripline/internal/daemonctl"
	"ripline/internal/deps"
)

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Disc", statusWarn, "No disc detected", false)
	if !strings.HasPrefix(line, "  Disc:") || !strings.HasSuffix(line, "[WARN] No disc detected") {
		t.Fatalf("line = %q", line)
	}
	if got := renderStatusLine("Ripline", statusOK, "", false); !strings.HasSuffix(got, "[OK]") {
		t.Fatalf("empty message line = %q", got)
	}
	colored := renderStatusLine("Ripline", statusError, "down", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("colored line = %q", colored)
	}
}

func TestStatusKindFromSeverity(t *testing.T) {
	cases := map[string]statusKind{
		"ok":       statusOK,
		" WARN ":   statusWarn,
		"warning":  statusWarn,
		"error":    statusError,
		"info":     statusInfo,
		"whatever": statusInfo,
	}
	for severity, want := range cases {
		if got := statusKindFromSeverity(severity); got != want {
			t.Errorf("statusKindFromSeverity(%q) = %v, want %v", severity, got, want)
		}
	}
}

func TestDependencyLines(t *testing.T) {
	statuses := []deps.Status{
		{Name: "FFmpeg", Command: "ffmpeg", Available: true},
		{Name: "eject", Command: "eject", Optional: true, Detail: "command not found"},
		{Name: "mount", Command: "mount"},
	}
	summary := daemonctl.BuildDependencySummary(statuses)
	lines := dependencyLines(statuses, summary, false)
	joined := strings.Join(lines, "\n")

	requireContains(t, joined, "[OK] Ready (command: ffmpeg)")
	requireContains(t, joined, "[WARN] command not found")
	requireContains(t, joined, "[ERROR] not available")
	requireContains(t, joined, "eject, mount")
}

func TestShouldColorizeIgnoresBuffers(t *testing.T) {
	if shouldColorize(&bytes.Buffer{}) {
		t.Fatal("buffer should never be colorized")
	}
}

func TestRenderStatusEmptyQueue(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, &daemonctl.Snapshot{}, false)
	out := buf.String()
	requireContains(t, out, "== System Status ==")
	requireContains(t, out, "Queue is empty")
}
