package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"ripline/internal/queue"
)

func TestStatusWithRunningDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "enqueue", env.source, "--fingerprint", "fp-status")
	waitFor(t, 2*time.Second, func() bool {
		return env.daemon.Stats()[queue.StatusExtracting] == 1
	})

	out := env.run(t, "status")
	requireContains(t, out, "Ripline:")
	requireContains(t, out, "[OK] Running")
	requireContains(t, out, "== Dependencies ==")
	requireContains(t, out, "== Directories ==")
	requireContains(t, out, "Extracting")
	requireContains(t, out, "Conversion slots:")

	out = env.run(t, "status", "--json")
	var snap struct {
		Running    bool                 `json:"running"`
		QueueStats map[queue.Status]int `json:"queue_stats"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if !snap.Running || snap.QueueStats[queue.StatusExtracting] != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStopShutsDownDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.run(t, "stop")
	requireContains(t, out, "Stopping daemon pipeline...")
	requireContains(t, out, "Daemon stopped")
	if strings.Contains(out, "killed pid") {
		t.Fatalf("graceful stop escalated to a kill:\n%s", out)
	}

	select {
	case <-env.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop callback not invoked")
	}
	if env.daemon.Running() {
		t.Fatal("daemon still running after stop")
	}

	out = env.run(t, "stop")
	requireContains(t, out, "Daemon is not running")
}

func TestStartReportsAlreadyRunning(t *testing.T) {
	env := setupCLITestEnv(t)
	out := env.run(t, "start")
	requireContains(t, out, "Daemon already running")
}
