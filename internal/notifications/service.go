package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ripline/internal/config"
)

const userAgent = "ripline/0.1"

// Event names a pipeline milestone.
type Event string

const (
	EventDiscDetected        Event = "disc_detected"
	EventExtractionStarted   Event = "extraction_started"
	EventExtractionCompleted Event = "extraction_completed"
	EventConversionCompleted Event = "conversion_completed"
	EventQueueEmpty          Event = "queue_empty"
	EventError               Event = "error"
	EventTest                Event = "test"
)

// Payload carries event fields such as "discTitle" or "error".
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notifier backed by ntfy when a topic is configured.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventDiscDetected:        cfg.Notifications.Extraction,
			EventExtractionStarted:   false,
			EventExtractionCompleted: cfg.Notifications.Extraction,
			EventConversionCompleted: cfg.Notifications.Conversion,
			EventQueueEmpty:          cfg.Notifications.Conversion,
			EventError:               cfg.Notifications.Errors,
			EventTest:                true,
		},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, data Payload) (payload, bool) {
	discTitle := data.text("discTitle")
	switch event {
	case EventDiscDetected:
		kind := data.text("discType")
		if kind == "" {
			kind = "unknown"
		}
		return payload{
			title:   "ripline - Disc Detected",
			message: fmt.Sprintf("📀 Disc detected: %s (%s)", discTitle, kind),
			tags:    []string{"ripline", "disc", "detected"},
		}, true
	case EventExtractionCompleted:
		return payload{
			title:   "ripline - Extracted",
			message: fmt.Sprintf("💿 Extracted %s, disc can be removed", discTitle),
			tags:    []string{"ripline", "extract", "completed"},
		}, true
	case EventConversionCompleted:
		message := fmt.Sprintf("✅ Ready: %s", discTitle)
		if files := data.text("files"); files != "" {
			message = fmt.Sprintf("%s (%s files)", message, files)
		}
		return payload{
			title:    "ripline - Complete",
			message:  message,
			tags:     []string{"ripline", "convert", "completed"},
			priority: "high",
		}, true
	case EventQueueEmpty:
		return payload{
			title:   "ripline - Queue Empty",
			message: fmt.Sprintf("Queue drained: %s completed, %s failed", data.text("completed"), data.text("failed")),
			tags:    []string{"ripline", "queue", "completed"},
		}, true
	case EventError:
		var b strings.Builder
		b.WriteString("❌ Error")
		if label := data.text("context"); label != "" {
			b.WriteString(" with ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		if msg := data.text("error"); msg != "" {
			b.WriteString(msg)
		} else {
			b.WriteString("unknown")
		}
		return payload{
			title:    "ripline - Error",
			message:  b.String(),
			tags:     []string{"ripline", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return payload{
			title:    "ripline - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"ripline", "test"},
			priority: "low",
		}, true
	}
	return payload{}, false
}

func (p Payload) text(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
