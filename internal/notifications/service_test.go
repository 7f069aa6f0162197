package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ripline/internal/config"
	"ripline/internal/notifications"
)

// sent is what the fake ntfy endpoint saw for one POST.
type sent struct {
	method   string
	title    string
	tags     string
	priority string
	body     string
}

// ntfyStub returns a config pointing at a recording server with every
// toggle enabled, and the slice of requests it received.
func ntfyStub(t *testing.T) (*config.Config, *[]sent) {
	t.Helper()
	var got []sent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, sent{
			method:   r.Method,
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	cfg.Notifications.RequestTimeout = 5
	cfg.Notifications.Extraction = true
	cfg.Notifications.Conversion = true
	cfg.Notifications.Errors = true
	return &cfg, &got
}

func TestWithoutTopicNothingIsSent(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = "   "
	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventError, notifications.Payload{"error": "boom"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublishFormatsEvents(t *testing.T) {
	cases := map[string]struct {
		event   notifications.Event
		payload notifications.Payload
		want    sent
	}{
		"disc detected": {
			notifications.EventDiscDetected,
			notifications.Payload{"discTitle": "Blade Runner", "discType": "bluray"},
			sent{title: "ripline - Disc Detected", tags: "ripline,disc,detected", body: "📀 Disc detected: Blade Runner (bluray)"},
		},
		"disc detected without type": {
			notifications.EventDiscDetected,
			notifications.Payload{"discTitle": "Heat"},
			sent{title: "ripline - Disc Detected", tags: "ripline,disc,detected", body: "📀 Disc detected: Heat (unknown)"},
		},
		"extracted": {
			notifications.EventExtractionCompleted,
			notifications.Payload{"discTitle": "Jurassic Park"},
			sent{title: "ripline - Extracted", tags: "ripline,extract,completed", body: "💿 Extracted Jurassic Park, disc can be removed"},
		},
		"converted": {
			notifications.EventConversionCompleted,
			notifications.Payload{"discTitle": "The Matrix", "files": 2},
			sent{title: "ripline - Complete", tags: "ripline,convert,completed", priority: "high", body: "✅ Ready: The Matrix (2 files)"},
		},
		"queue drained": {
			notifications.EventQueueEmpty,
			notifications.Payload{"completed": 3, "failed": 1},
			sent{title: "ripline - Queue Empty", tags: "ripline,queue,completed", body: "Queue drained: 3 completed, 1 failed"},
		},
		"error value": {
			notifications.EventError,
			notifications.Payload{"context": "Arrival", "error": errors.New("failed to read disc")},
			sent{title: "ripline - Error", tags: "ripline,error,alert", priority: "high", body: "❌ Error with Arrival: failed to read disc"},
		},
		"error without detail": {
			notifications.EventError,
			nil,
			sent{title: "ripline - Error", tags: "ripline,error,alert", priority: "high", body: "❌ Error: unknown"},
		},
		"test": {
			notifications.EventTest,
			nil,
			sent{title: "ripline - Test", tags: "ripline,test", priority: "low", body: "🧪 Notification system test"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, got := ntfyStub(t)
			if err := notifications.NewService(cfg).Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if len(*got) != 1 {
				t.Fatalf("requests = %d, want 1", len(*got))
			}
			want := tc.want
			want.method = http.MethodPost
			if (*got)[0] != want {
				t.Fatalf("sent %+v\nwant %+v", (*got)[0], want)
			}
		})
	}
}

func TestPublishSkipsDisabledEvents(t *testing.T) {
	cfg, got := ntfyStub(t)
	cfg.Notifications.Extraction = false
	cfg.Notifications.Conversion = false
	cfg.Notifications.Errors = false
	svc := notifications.NewService(cfg)

	for _, event := range []notifications.Event{
		notifications.EventDiscDetected,
		notifications.EventExtractionStarted,
		notifications.EventExtractionCompleted,
		notifications.EventConversionCompleted,
		notifications.EventQueueEmpty,
		notifications.EventError,
		"unknown",
	} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"discTitle": "x"}); err != nil {
			t.Fatalf("%s: %v", event, err)
		}
	}
	if len(*got) != 0 {
		t.Fatalf("disabled events were sent: %+v", *got)
	}
}

func TestPublishReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic is rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil)
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}
}
