package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ripline/internal/queue"
	"ripline/internal/testsupport"
)

func TestTitlesListsSelectedByDefault(t *testing.T) {
	env := newOfflineEnv(t)

	out := env.run(t, "titles", env.source)
	requireContains(t, out, "DVD at "+env.source)
	requireContains(t, out, "0:10:00")
	if strings.Contains(out, "0:00:20") {
		t.Fatalf("short title listed without --all:\n%s", out)
	}

	out = env.run(t, "titles", env.source, "--all")
	requireContains(t, out, "0:00:20")

	out = env.run(t, "titles", env.source, "--all", "--json")
	var payload struct {
		Kind   string `json:"kind"`
		Titles []struct {
			Number   int  `json:"Number"`
			Selected bool `json:"selected"`
		} `json:"titles"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode titles: %v\n%s", err, out)
	}
	if payload.Kind != "dvd" || len(payload.Titles) != 2 {
		t.Fatalf("payload = %+v", payload)
	}
	if !payload.Titles[0].Selected || payload.Titles[1].Selected {
		t.Fatalf("selection = %+v", payload.Titles)
	}
}

func TestTitlesRejectsNonDisc(t *testing.T) {
	env := newOfflineEnv(t)
	if _, _, err := runCLI(t, []string{"titles", t.TempDir()}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected error for a directory without disc structure")
	}
}

func TestConfigInitValidateShow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ripline.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", path}, filepath.Join(dir, "none.sock"), "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration to "+path)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", path}, filepath.Join(dir, "none.sock"), ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	env := newOfflineEnv(t)
	env.cfg.Paths.APIToken = "secret-token"
	writeTestConfig(t, env.configPath, env.cfg)

	out = env.run(t, "config", "validate")
	requireContains(t, out, "Config path: "+env.configPath)
	requireContains(t, out, "Configuration valid")

	out = env.run(t, "config", "show")
	requireContains(t, out, "# "+env.configPath)
	requireContains(t, out, "<redacted>")
	if strings.Contains(out, "secret-token") {
		t.Fatalf("api token leaked:\n%s", out)
	}
}

func TestConfigValidateRejectsUnknownKeys(t *testing.T) {
	env := newOfflineEnv(t)
	if err := os.WriteFile(env.configPath, []byte("[paths]\nbogus = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runCLI(t, []string{"config", "validate"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected unknown key to fail validation")
	}
}

func TestScratchListAndClean(t *testing.T) {
	env := newOfflineEnv(t)
	scratch := env.cfg.Paths.ScratchDir

	store := testsupport.MustOpenStore(t, env.cfg)
	pending := testsupport.SaveJob(t, store, testsupport.NewJob(1, "Pinned"))
	owned := filepath.Join(scratch, pending.ID)
	orphan := filepath.Join(scratch, "job-orphan")
	testsupport.WriteFile(t, filepath.Join(owned, "title01.mkv"), 4096)
	testsupport.WriteFile(t, filepath.Join(orphan, "title01.mkv"), 1024)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	out := env.run(t, "scratch", "list")
	requireContains(t, out, "Pinned (pending)")
	requireContains(t, out, "orphaned")
	requireContains(t, out, "Total: 2 directories")

	out = env.run(t, "scratch", "clean")
	requireContains(t, out, "Removed 1 scratch directories")
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan still present: %v", err)
	}
	if _, err := os.Stat(owned); err != nil {
		t.Fatalf("pending job scratch removed: %v", err)
	}
}

func TestScratchCleanClearsExpiredReferences(t *testing.T) {
	env := newOfflineEnv(t)
	env.cfg.Pipeline.ScratchRetentionHours = 1

	store := testsupport.MustOpenStore(t, env.cfg)
	job := testsupport.NewJob(2, "Done")
	job.Status = queue.StatusCompleted
	job.ScratchDir = filepath.Join(env.cfg.Paths.ScratchDir, job.ID)
	testsupport.WriteFile(t, filepath.Join(job.ScratchDir, "title01.mkv"), 512)
	old := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(job.ScratchDir, old, old); err != nil {
		t.Fatal(err)
	}
	testsupport.SaveJob(t, store, job)

	jobs, err := store.List(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	result := cleanScratch(t.Context(), env.cfg, store, jobs)
	if len(result.Removed) != 1 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v", result)
	}
	reloaded, err := store.Get(t.Context(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.ScratchDir != "" {
		t.Fatalf("scratch reference kept: %q", reloaded.ScratchDir)
	}
}

func TestStatusOfflineReadsStore(t *testing.T) {
	env := newOfflineEnv(t)
	store := testsupport.MustOpenStore(t, env.cfg)
	testsupport.SaveJob(t, store, testsupport.NewJob(1, "Queued"))
	failed := testsupport.NewJob(2, "Broken")
	failed.Status = queue.StatusFailed
	testsupport.SaveJob(t, store, failed)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	out := env.run(t, "status")
	requireContains(t, out, "== System Status ==")
	requireContains(t, out, "Not running")
	requireContains(t, out, "== Queue Status ==")
	requireContains(t, out, "Pending")
	requireContains(t, out, "Failed")
	if strings.Contains(out, "Conversion slots") {
		t.Fatalf("offline status reported conversion slots:\n%s", out)
	}
}
