package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"ripline/internal/logging"
	"ripline/internal/queue"
)

// EventKind classifies a job change.
type EventKind string

const (
	EventJobAdded    EventKind = "job_added"
	EventJobUpdated  EventKind = "job_updated"
	EventJobProgress EventKind = "job_progress"
	EventJobRemoved  EventKind = "job_removed"
)

// Event is one published job change. Job is a private copy.
type Event struct {
	Kind EventKind  `json:"kind"`
	Job  *queue.Job `json:"job"`
	Time time.Time  `json:"time"`
}

const defaultSubscriberBuffer = 64

// hub fans events out to subscribers. Slow subscribers lose events rather
// than stall the pipeline; each run of losses is logged when it starts and
// when the subscriber catches up.
type hub struct {
	logger *slog.Logger
	mu     sync.Mutex
	next   int
	subs   map[int]*subscriber
	lost   uint64
	closed bool
}

type subscriber struct {
	ch     chan Event
	behind uint64 // events lost since the last delivery
}

func newHub(logger *slog.Logger) *hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &hub{logger: logger, subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (h *hub) publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- evt:
			if sub.behind > 0 {
				h.logger.Info("event subscriber caught up",
					logging.String(logging.FieldEventType, "event_subscriber_recovered"),
					logging.Int("subscriber", id),
					logging.Uint64("lost_events", sub.behind),
				)
				sub.behind = 0
			}
		default:
			h.lost++
			sub.behind++
			if sub.behind == 1 {
				logging.WarnWithContext(h.logger, "event subscriber is lagging; dropping events", "event_subscriber_lagging",
					logging.Int("subscriber", id),
					logging.Int("buffer", cap(sub.ch)),
					logging.String("event_kind", string(evt.Kind)),
					logging.String(logging.FieldImpact, "clients may show stale job state until the next update"),
					logging.String(logging.FieldErrorHint, "the consumer reads too slowly; reconnect or raise its buffer"),
				)
			}
		}
	}
}

// dropped returns how many deliveries were lost across all subscribers.
func (h *hub) dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
