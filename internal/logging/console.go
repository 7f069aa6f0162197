package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

// consoleHandler writes one line per record:
//
//	2026-01-02T15:04:05Z INFO  [3f2a9c1e extraction] pipeline: job progress progress_percent=40%
//
// Job id and stage move into the bracketed scope, the component becomes the
// message prefix and the remaining attributes follow as key=value pairs.
type consoleHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     *slog.LevelVar
	pre       []field
	groups    []string
	addSource bool
	color     bool
}

type field struct {
	key   string
	value slog.Value
}

// line collects the parts of one rendered record.
type line struct {
	component string
	jobID     string
	stage     string
	fields    []field
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar, addSource, color bool) slog.Handler {
	return &consoleHandler{mu: &sync.Mutex{}, out: w, level: lvl, addSource: addSource, color: color}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.pre = append([]field(nil), h.pre...)
	for _, attr := range attrs {
		next.pre = appendField(next.pre, h.groups, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := append([]field(nil), h.pre...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendField(fields, h.groups, attr)
		return true
	})
	ln := split(fields)

	when := record.Time
	if when.IsZero() {
		when = time.Now()
	}
	var b strings.Builder
	b.WriteString(when.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(h.paint(fmt.Sprintf("%-5s", levelLabel(record.Level)), levelColor(record.Level)))
	if scope := ln.scope(); scope != "" {
		b.WriteString(" [")
		b.WriteString(scope)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	if ln.component != "" {
		b.WriteString(h.paint(ln.component, ansiCyan))
		b.WriteString(": ")
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(msg)
	if h.addSource {
		if src := record.Source(); src != nil {
			b.WriteString(h.paint(" ("+filepath.Base(src.File)+":"+strconv.Itoa(src.Line)+")", ansiGray))
		}
	}
	for _, f := range ln.fields {
		b.WriteByte(' ')
		b.WriteString(h.paint(f.key+"=", ansiGray))
		if f.key == FieldProgress {
			b.WriteString(formatValue(f.value) + "%")
			continue
		}
		b.WriteString(formatValue(f.value))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *consoleHandler) paint(text, color string) string {
	if !h.color || color == "" {
		return text
	}
	return color + text + ansiReset
}

// split pulls the scope fields out of fields. The first component wins,
// the last job id and stage win since narrower scopes are added later.
func split(fields []field) line {
	var ln line
	for _, f := range fields {
		switch f.key {
		case FieldComponent:
			if ln.component == "" {
				ln.component = attrString(f.value)
			}
		case FieldJobID:
			ln.jobID = attrString(f.value)
		case FieldStage:
			ln.stage = attrString(f.value)
		case "":
		default:
			ln.fields = append(ln.fields, f)
		}
	}
	return ln
}

func (ln line) scope() string {
	id := ln.jobID
	if len(id) > 8 {
		id = id[:8]
	}
	switch {
	case id != "" && ln.stage != "":
		return id + " " + ln.stage
	case id != "":
		return id
	default:
		return ln.stage
	}
}

func appendField(dst []field, groups []string, attr slog.Attr) []field {
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		inner := groups
		if attr.Key != "" {
			inner = append(append([]string(nil), groups...), attr.Key)
		}
		for _, child := range value.Group() {
			dst = appendField(dst, inner, child)
		}
		return dst
	}
	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return append(dst, field{key: key, value: value})
}

// attrString renders v without quoting, for stream events and scope labels.
func attrString(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	default:
		return v.String()
	}
}

func formatValue(v slog.Value) string {
	s := attrString(v)
	if v.Kind() == slog.KindFloat64 {
		s = strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	}
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level < slog.LevelInfo:
		return ansiGray
	}
	return ""
}
