package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"ripline/internal/queue"
	"ripline/internal/services"
)

func setHelperCommand(t *testing.T, mode string) *[]string {
	t.Helper()
	var captured []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string{name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("FFMPEG_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return &captured
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "success":
		fmt.Println("frame=10")
		fmt.Println("out_time_us=25000000")
		fmt.Println("progress=continue")
		fmt.Println("out_time=00:01:15.000000")
		fmt.Println("progress=end")
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "Input #0, mpeg")
		fmt.Fprintln(os.Stderr, "Unknown encoder 'libsvtav1'")
		os.Exit(1)
	case "hang":
		fmt.Println("out_time_us=1000000")
		time.Sleep(30 * time.Second)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

func TestFFmpegTranscodeReportsProgress(t *testing.T) {
	captured := setHelperCommand(t, "success")
	dir := t.TempDir()

	var fractions []float64
	ff := NewFFmpeg("/opt/ffmpeg")
	result, err := ff.Transcode(context.Background(), Request{
		Input:     "/scratch/job/title_01.vob",
		OutputDir: dir,
		Profile:   queue.Profile{Codec: "av1", Quality: 30, Container: "mkv"},
		Duration:  100,
	}, func(f float64) { fractions = append(fractions, f) })
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if result.OutputPath != filepath.Join(dir, "title_01.mkv") {
		t.Fatalf("unexpected output %q", result.OutputPath)
	}
	if !slices.Equal(fractions, []float64{0.25, 0.75}) {
		t.Fatalf("unexpected progress %v", fractions)
	}
	if (*captured)[0] != "/opt/ffmpeg" {
		t.Fatalf("binary override ignored: %v", *captured)
	}
}

func TestFFmpegTranscodeFailure(t *testing.T) {
	setHelperCommand(t, "failure")
	_, err := NewFFmpeg("").Transcode(context.Background(), Request{Input: "in.vob", OutputDir: t.TempDir()}, nil)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected ErrExternalTool, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "Unknown encoder") {
		t.Fatalf("expected stderr tail in error, got %q", got)
	}
}

func TestFFmpegRequiresPaths(t *testing.T) {
	ff := NewFFmpeg("")
	if _, err := ff.Transcode(context.Background(), Request{OutputDir: "/tmp"}, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing input, got %v", err)
	}
	if _, err := ff.Transcode(context.Background(), Request{Input: "a.vob"}, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing output, got %v", err)
	}
}

func TestArgs(t *testing.T) {
	args := Args(Request{
		Input:   "in.m2ts",
		Profile: queue.Profile{Codec: "hevc", Quality: 22, Preset: "slow", IncludeSubtitles: true},
	}, "out.mkv")

	for _, want := range [][2]string{
		{"-i", "in.m2ts"},
		{"-c:v", "libx265"},
		{"-crf", "22"},
		{"-preset", "slow"},
		{"-map", "0:s?"},
		{"-map_chapters", "-1"},
		{"-progress", "pipe:1"},
	} {
		if !hasPair(args, want[0], want[1]) {
			t.Errorf("missing %s %s in %v", want[0], want[1], args)
		}
	}
	if args[len(args)-1] != "out.mkv" {
		t.Fatalf("output must be last, got %v", args)
	}

	withChapters := Args(Request{Input: "in", Profile: queue.Profile{IncludeChapters: true}}, "o.mkv")
	if slices.Contains(withChapters, "-map_chapters") {
		t.Fatalf("chapters should be kept: %v", withChapters)
	}
	if !slices.Contains(withChapters, "libsvtav1") {
		t.Fatalf("default codec should be av1: %v", withChapters)
	}
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line string
		want time.Duration
		ok   bool
	}{
		{"out_time_us=1500000", 1500 * time.Millisecond, true},
		{"out_time_ms=2000000", 2 * time.Second, true},
		{"out_time=01:02:03.500000", time.Hour + 2*time.Minute + 3500*time.Millisecond, true},
		{"out_time_us=N/A", 0, false},
		{"out_time=-577014:32:22.77", 0, false},
		{"progress=continue", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgressLine(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseProgressLine(%q) = %v, %v; want %v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOutputPath(t *testing.T) {
	if got := OutputPath("/s/playlist_00800.m2ts", "/out", ""); got != "/out/playlist_00800.mkv" {
		t.Fatalf("got %q", got)
	}
	if got := OutputPath("/s/title_01.vob", "/out", ".mp4"); got != "/out/title_01.mp4" {
		t.Fatalf("got %q", got)
	}
}

func hasPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
