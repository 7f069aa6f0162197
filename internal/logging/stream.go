package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEvent is a structured log line published to the streaming hub.
type LogEvent struct {
	Sequence      uint64            `json:"seq"`
	Timestamp     time.Time         `json:"ts"`
	Level         string            `json:"level"`
	Message       string            `json:"msg"`
	Component     string            `json:"component,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	JobID         string            `json:"job_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// StreamHub keeps the most recent log events in a fixed ring so the CLI and
// HTTP API can page through or follow daemon logs.
type StreamHub struct {
	mu      sync.Mutex
	ring    []LogEvent
	start   int
	size    int
	lastSeq uint64
	// notify is closed and replaced on every publish to wake waiters.
	notify chan struct{}
}

// Query selects events from a StreamHub.
type Query struct {
	// Since excludes events with a sequence at or below it.
	Since uint64
	// Limit caps the number of returned events; zero means the hub capacity.
	Limit int
	// Wait blocks until a matching event arrives or the context ends.
	Wait      bool
	JobID     string
	Component string
}

func (q Query) matches(evt LogEvent) bool {
	if q.JobID != "" && evt.JobID != q.JobID {
		return false
	}
	if q.Component != "" && !strings.EqualFold(q.Component, evt.Component) {
		return false
	}
	return true
}

// NewStreamHub returns a hub holding up to capacity events (512 when <= 0).
func NewStreamHub(capacity int) *StreamHub {
	if capacity <= 0 {
		capacity = 512
	}
	return &StreamHub{ring: make([]LogEvent, capacity), notify: make(chan struct{})}
}

// Publish assigns the next sequence to evt and stores it, overwriting the
// oldest event when the ring is full.
func (h *StreamHub) Publish(evt LogEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.lastSeq++
	evt.Sequence = h.lastSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = evt
		h.size++
	} else {
		h.ring[h.start] = evt
		h.start = (h.start + 1) % len(h.ring)
	}
	close(h.notify)
	h.notify = make(chan struct{})
	h.mu.Unlock()
}

// Fetch returns events matching q and the sequence to pass as the next
// Since. The cursor advances past scanned events even when the filter drops
// them, so followers never rescan.
func (h *StreamHub) Fetch(ctx context.Context, q Query) ([]LogEvent, uint64, error) {
	if h == nil {
		return nil, q.Since, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if q.Limit <= 0 || q.Limit > len(h.ring) {
		q.Limit = len(h.ring)
	}
	for {
		h.mu.Lock()
		events, next := h.scanLocked(q)
		wake := h.notify
		h.mu.Unlock()

		if len(events) > 0 || !q.Wait {
			return events, next, ctx.Err()
		}
		q.Since = next
		select {
		case <-ctx.Done():
			return nil, next, ctx.Err()
		case <-wake:
		}
	}
}

// Tail returns the newest limit events and the latest sequence.
func (h *StreamHub) Tail(limit int) ([]LogEvent, uint64) {
	if h == nil {
		return nil, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > h.size {
		limit = h.size
	}
	out := make([]LogEvent, 0, limit)
	for i := h.size - limit; i < h.size; i++ {
		out = append(out, h.ring[(h.start+i)%len(h.ring)])
	}
	return out, h.lastSeq
}

func (h *StreamHub) scanLocked(q Query) ([]LogEvent, uint64) {
	next := q.Since
	if next > h.lastSeq {
		next = h.lastSeq
	}
	var out []LogEvent
	for i := 0; i < h.size; i++ {
		evt := h.ring[(h.start+i)%len(h.ring)]
		if evt.Sequence <= q.Since {
			continue
		}
		next = evt.Sequence
		if !q.matches(evt) {
			continue
		}
		out = append(out, evt)
		if len(out) == q.Limit {
			break
		}
	}
	return out, next
}

type streamHandler struct {
	next  slog.Handler
	hub   *StreamHub
	attrs []slog.Attr
}

func newStreamHandler(next slog.Handler, hub *StreamHub) slog.Handler {
	if hub == nil || next == nil {
		return next
	}
	return &streamHandler{next: next, hub: hub}
}

func (h *streamHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *streamHandler) Handle(ctx context.Context, record slog.Record) error {
	h.hub.Publish(eventFromRecord(record, h.attrs))
	return h.next.Handle(ctx, record.Clone())
}

func (h *streamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &streamHandler{
		next:  h.next.WithAttrs(attrs),
		hub:   h.hub,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *streamHandler) WithGroup(name string) slog.Handler {
	return &streamHandler{next: h.next.WithGroup(name), hub: h.hub, attrs: h.attrs}
}

func eventFromRecord(record slog.Record, preAttrs []slog.Attr) LogEvent {
	event := LogEvent{
		Timestamp: record.Time,
		Level:     strings.ToUpper(record.Level.String()),
		Message:   strings.TrimSpace(record.Message),
	}
	apply := func(attr slog.Attr) {
		key := strings.TrimSpace(attr.Key)
		if key == "" {
			return
		}
		switch key {
		case FieldJobID:
			event.JobID = attrString(attr.Value)
		case FieldStage:
			event.Stage = attrString(attr.Value)
		case FieldCorrelationID:
			event.CorrelationID = attrString(attr.Value)
		case FieldComponent:
			event.Component = attrString(attr.Value)
		default:
			if event.Fields == nil {
				event.Fields = make(map[string]string)
			}
			event.Fields[key] = attrString(attr.Value)
		}
	}
	for _, attr := range preAttrs {
		apply(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		apply(attr)
		return true
	})
	return event
}
