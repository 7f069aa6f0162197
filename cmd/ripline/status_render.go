package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"ripline/internal/daemonctl"
	"ripline/internal/deps"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

var statusKinds = [...]struct {
	label string
	color string
}{
	statusInfo:  {"INFO", ansiBlue},
	statusOK:    {"OK", ansiGreen},
	statusWarn:  {"WARN", ansiYellow},
	statusError: {"ERROR", ansiRed},
}

// statusPrinter writes the sectioned report behind `ripline status`.
type statusPrinter struct {
	out      io.Writer
	colorize bool
}

func renderStatus(out io.Writer, snap *daemonctl.Snapshot, colorize bool) {
	p := statusPrinter{out: out, colorize: colorize}
	p.section("System Status", statusLines(snap.SystemChecks, colorize))
	p.section("Dependencies", dependencyLines(snap.Dependencies, snap.DependencySummary, colorize))
	p.section("Directories", statusLines(snap.Directories, colorize))

	p.header("Queue Status")
	rows := buildQueueStatusRows(snap.QueueStats)
	if len(rows) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	if snap.Running && snap.Pipeline.ConversionSlots > 0 {
		fmt.Fprintf(out, "Conversion slots: %d (%s)\n", snap.Pipeline.ConversionSlots, snap.Pipeline.Transcoder)
	}
}

func (p statusPrinter) header(title string) {
	title = "== " + strings.TrimSpace(title) + " =="
	for _, text := range []string{title, strings.Repeat("-", len(title))} {
		fmt.Fprintln(p.out, p.paint(text, ansiBlue))
	}
}

func (p statusPrinter) section(title string, lines []string) {
	p.header(title)
	for _, line := range lines {
		fmt.Fprintln(p.out, line)
	}
	fmt.Fprintln(p.out)
}

func (p statusPrinter) paint(text, color string) string {
	if !p.colorize {
		return text
	}
	return color + text + ansiReset
}

func statusLines(lines []daemonctl.StatusLine, colorize bool) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = renderStatusLine(line.Label, statusKindFromSeverity(line.Severity), line.Detail, colorize)
	}
	return out
}

// renderStatusLine formats "  Label:   [KIND] message" with the label padded
// so the brackets line up. The whole line takes the kind's colour.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	badge := "[" + statusKinds[kind].label + "]"
	if message != "" {
		badge += " " + message
	}
	text := fmt.Sprintf("  %-20s %s", label+":", badge)
	return statusPrinter{colorize: colorize}.paint(text, statusKinds[kind].color)
}

func statusKindFromSeverity(severity string) statusKind {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "ok":
		return statusOK
	case "warn", "warning":
		return statusWarn
	case "error":
		return statusError
	}
	return statusInfo
}

// dependencyLines lists each binary the daemon shells out to, led by the
// summary and followed by the names of anything missing.
func dependencyLines(statuses []deps.Status, summary daemonctl.DependencySummary, colorize bool) []string {
	lines := []string{renderStatusLine("Summary", statusKindFromSeverity(summary.Severity), summary.Detail, colorize)}
	var missing []string
	for _, dep := range statuses {
		kind, detail := statusOK, "Ready"
		switch {
		case dep.Available && dep.Command != "":
			detail = "Ready (command: " + dep.Command + ")"
		case !dep.Available:
			missing = append(missing, dep.Name)
			kind, detail = statusError, strings.TrimSpace(dep.Detail)
			if dep.Optional {
				kind = statusWarn
			}
			if detail == "" {
				detail = "not available"
			}
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
	}
	if len(missing) > 0 {
		lines = append(lines, renderStatusLine("Missing dependencies", statusWarn, strings.Join(missing, ", "), colorize))
	}
	return lines
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
