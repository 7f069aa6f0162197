package conversion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"ripline/internal/services"
)

var commandContext = exec.CommandContext

// FFmpeg converts titles with the ffmpeg CLI, reading progress from
// -progress pipe:1.
type FFmpeg struct {
	binary string
}

// NewFFmpeg uses binary, or "ffmpeg" from PATH when empty.
func NewFFmpeg(binary string) *FFmpeg {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary}
}

func (f *FFmpeg) Name() string { return "ffmpeg" }

// Transcode runs ffmpeg to completion. ctx is checked on every progress line.
func (f *FFmpeg) Transcode(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	output := OutputPath(req.Input, req.OutputDir, req.Profile.Container)
	cmd := commandContext(ctx, f.binary, Args(req, output)...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, stageName, "start ffmpeg", f.binary, err)
	}

	total := time.Duration(req.Duration * float64(time.Second))
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		elapsed, ok := parseProgressLine(scanner.Text())
		if ok && total > 0 && progress != nil {
			progress(clampFraction(float64(elapsed) / float64(total)))
		}
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if waitErr != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, stageName, "ffmpeg", lastLine(stderr.String()), waitErr)
	}
	return Result{OutputPath: output}, nil
}

// Args builds the ffmpeg command line for req writing to output.
func Args(req Request, output string) []string {
	p := req.Profile
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", req.Input, "-map", "0:v:0", "-map", "0:a?"}
	if p.IncludeSubtitles {
		args = append(args, "-map", "0:s?", "-c:s", "copy")
	}
	if !p.IncludeChapters {
		args = append(args, "-map_chapters", "-1")
	}
	args = append(args, "-c:v", videoEncoder(p.Codec))
	if p.Quality > 0 {
		args = append(args, "-crf", strconv.Itoa(p.Quality))
	}
	if preset := strings.TrimSpace(p.Preset); preset != "" {
		args = append(args, "-preset", preset)
	}
	args = append(args, "-c:a", "copy", "-progress", "pipe:1", "-nostats", output)
	return args
}

func videoEncoder(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "av1":
		return "libsvtav1"
	case "hevc", "h265", "x265":
		return "libx265"
	case "h264", "avc", "x264":
		return "libx264"
	case "copy":
		return "copy"
	default:
		return codec
	}
}

// parseProgressLine extracts the output position from one key=value line.
// ffmpeg reports out_time_us and, for historical reasons, out_time_ms in
// microseconds as well.
func parseProgressLine(line string) (time.Duration, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		return time.Duration(us) * time.Microsecond, true
	case "out_time":
		return parseClock(value)
	}
	return 0, false
}

func parseClock(value string) (time.Duration, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s*float64(time.Second)), true
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
