package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ripline/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "conversion", "ffmpeg", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"conversion", "ffmpeg", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestCancellationClassification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := services.CheckCancelled(ctx, "extraction"); err != nil {
		t.Fatalf("expected nil before cancel, got %v", err)
	}
	cancel()
	err := services.CheckCancelled(ctx, "extraction")
	if !services.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if services.IsCancellation(services.Wrap(services.ErrConversionTimeout, "conversion", "wait", "", nil)) {
		t.Fatal("timeout must not be classified as cancellation")
	}
	if services.IsCancellation(nil) {
		t.Fatal("nil is not a cancellation")
	}
}
