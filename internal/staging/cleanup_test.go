package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ripline/internal/logging"
)

func mkdirAged(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if age > 0 {
		stamp := time.Now().Add(-age)
		if err := os.Chtimes(dir, stamp, stamp); err != nil {
			t.Fatalf("set time on %s: %v", name, err)
		}
	}
	return dir
}

func liveSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return func(name string) bool { return set[name] }
}

func TestCleanInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := Clean(context.Background(), dir, Policy{}, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanRemovesOrphanedDirectories(t *testing.T) {
	root := t.TempDir()
	live := mkdirAged(t, root, "job-live", 0)
	orphan := mkdirAged(t, root, "job-gone", 0)

	result := Clean(context.Background(), root, Policy{Live: liveSet("job-live")}, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != orphan {
		t.Fatalf("expected only %s removed, got %v", orphan, result.Removed)
	}
	if _, err := os.Stat(live); err != nil {
		t.Fatalf("live directory should survive: %v", err)
	}
}

func TestCleanExpiresOwnedDirectories(t *testing.T) {
	root := t.TempDir()
	old := mkdirAged(t, root, "job-old", 3*time.Hour)
	fresh := mkdirAged(t, root, "job-fresh", 0)

	policy := Policy{Live: liveSet("job-old", "job-fresh"), MaxAge: time.Hour}
	result := Clean(context.Background(), root, policy, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != old {
		t.Fatalf("expected only %s removed, got %v", old, result.Removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh directory should survive: %v", err)
	}
}

func TestCleanNeverRemovesPinned(t *testing.T) {
	root := t.TempDir()
	pinned := mkdirAged(t, root, "job-waiting", 72*time.Hour)

	policy := Policy{Pinned: liveSet("job-waiting"), MaxAge: time.Hour}
	result := Clean(context.Background(), root, policy, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected pinned directory kept, removed %v", result.Removed)
	}
	if _, err := os.Stat(pinned); err != nil {
		t.Fatalf("pinned directory missing: %v", err)
	}
}

func TestCleanZeroMaxAgeKeepsOwned(t *testing.T) {
	root := t.TempDir()
	mkdirAged(t, root, "job-old", 48*time.Hour)

	result := Clean(context.Background(), root, Policy{Live: liveSet("job-old")}, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected nothing removed without retention, got %v", result.Removed)
	}
}

func TestCleanIgnoresFiles(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(file, []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	result := Clean(context.Background(), root, Policy{}, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Errorf("expected no removals for files, got %d", len(result.Removed))
	}
	if _, err := os.Stat(file); err != nil {
		t.Error("file should not have been removed")
	}
}

func TestCleanStopsOnCancelledContext(t *testing.T) {
	root := t.TempDir()
	dir := mkdirAged(t, root, "job-gone", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Clean(ctx, root, Policy{}, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected no removals after cancel, got %v", result.Removed)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("directory should survive cancelled pass: %v", err)
	}
}

func TestListDirectoriesInvalidPaths(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/path/12345"} {
		dirs, err := ListDirectories(path)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", path, err)
		}
		if dirs != nil {
			t.Errorf("expected nil for path %q, got %v", path, dirs)
		}
	}
}

func TestListDirectories(t *testing.T) {
	root := t.TempDir()
	dir1 := mkdirAged(t, root, "job-1", 0)
	mkdirAged(t, root, "job-2", 0)
	if err := os.WriteFile(filepath.Join(root, "not-a-dir.txt"), []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir1, "title_01.vob"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("create inner file: %v", err)
	}

	dirs, err := ListDirectories(root)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("expected 2 directories, got %d", len(dirs))
	}
	for _, d := range dirs {
		if d.Name == "job-1" {
			if d.Size != 5 {
				t.Errorf("job-1 size = %d, want 5", d.Size)
			}
			if d.Path != dir1 || d.ModTime.IsZero() {
				t.Errorf("unexpected metadata: %+v", d)
			}
			return
		}
	}
	t.Error("did not find job-1 in results")
}
