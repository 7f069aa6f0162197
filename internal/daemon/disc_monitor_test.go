package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"ripline/internal/config"
)

func monitorConfig(device string) *config.Config {
	cfg := &config.Config{}
	cfg.Drive.Device = device
	return cfg
}

func TestNewDiscMonitor(t *testing.T) {
	if m := newDiscMonitor(nil, nil, nil); m != nil {
		t.Error("expected nil monitor for nil config")
	}
	if m := newDiscMonitor(monitorConfig(""), nil, nil); m != nil {
		t.Error("expected nil monitor without a drive")
	}
	m := newDiscMonitor(monitorConfig("/dev/sr0"), nil, nil)
	if m == nil || m.device != "/dev/sr0" {
		t.Fatalf("unexpected monitor %+v", m)
	}
	if m.Running() {
		t.Error("unstarted monitor reports running")
	}
}

func TestNilDiscMonitorIsSafe(t *testing.T) {
	var m *discMonitor
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start on nil monitor: %v", err)
	}
	m.Stop()
	if m.Running() {
		t.Error("nil monitor reports running")
	}
	newDiscMonitor(monitorConfig("/dev/sr0"), nil, nil).Stop()
}

func TestBuildMatcher(t *testing.T) {
	matcher := buildMatcher()
	media := map[string]string{"SUBSYSTEM": "block", "ID_CDROM": "1", "ID_CDROM_MEDIA": "1"}

	tests := []struct {
		name  string
		event netlink.UEvent
		want  bool
	}{
		{"change with media", netlink.UEvent{Action: netlink.CHANGE, Env: media}, true},
		{"add with media", netlink.UEvent{Action: netlink.ADD, Env: media}, true},
		{"remove", netlink.UEvent{Action: netlink.REMOVE, Env: media}, false},
		{"tray without media", netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"SUBSYSTEM": "block", "ID_CDROM": "1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matcher.Evaluate(tt.event); got != tt.want {
				t.Fatalf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceName(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"DEVNAME": "/dev/sr0"}, "/dev/sr0"},
		{map[string]string{"DEVNAME": "sr1"}, "/dev/sr1"},
		{map[string]string{"DEVPATH": "/devices/pci0000:00/ata2/host1/block/sr0"}, "/dev/sr0"},
		{map[string]string{}, ""},
	}
	for _, tt := range tests {
		if got := deviceName(netlink.UEvent{Env: tt.env}); got != tt.want {
			t.Errorf("deviceName(%v) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestHandleEvent(t *testing.T) {
	var calls []string
	handler := func(_ context.Context, device string) (*DiscDetectedResult, error) {
		calls = append(calls, device)
		if len(calls) > 1 {
			return nil, errors.New("mount failed")
		}
		return &DiscDetectedResult{Handled: true, JobID: "job-1"}, nil
	}
	m := newDiscMonitor(monitorConfig("/dev/sr0"), nil, handler)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	insert := netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"DEVNAME": "sr0"}}

	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{}})
	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"DEVNAME": "/dev/sr1"}})
	if len(calls) != 0 {
		t.Fatalf("handler called for ignored events: %v", calls)
	}

	m.handleEvent(context.Background(), insert)
	clock = clock.Add(time.Second)
	m.handleEvent(context.Background(), insert)
	if len(calls) != 1 || calls[0] != "/dev/sr0" {
		t.Fatalf("duplicate event not debounced: %v", calls)
	}

	clock = clock.Add(insertDebounce)
	m.handleEvent(context.Background(), insert)
	if len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestMonitorMatchesResolvedDevice(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sr0")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "cdrom")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatal(err)
	}

	var got string
	m := newDiscMonitor(monitorConfig(link), nil, func(_ context.Context, device string) (*DiscDetectedResult, error) {
		got = device
		return nil, nil
	})
	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"DEVNAME": resolved}})
	if got != link {
		t.Fatalf("handler device = %q, want configured %q", got, link)
	}
}
