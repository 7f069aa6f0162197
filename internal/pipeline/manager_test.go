package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ripline/internal/config"
	"ripline/internal/disc"
	"ripline/internal/extraction"
	"ripline/internal/logging"
	"ripline/internal/notifications"
	"ripline/internal/pipeline"
	"ripline/internal/queue"
	"ripline/internal/services"
	"ripline/internal/testsupport"
)

type ejectRecorder struct {
	mu   sync.Mutex
	jobs []string
}

func (r *ejectRecorder) eject(_ context.Context, job *queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.ID)
	return nil
}

func (r *ejectRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.jobs {
		if got == id {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) has(event notifications.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, got := range n.events {
		if got == event {
			return true
		}
	}
	return false
}

type harness struct {
	cfg         *config.Config
	manager     *pipeline.Manager
	extractor   *testsupport.FakeExtractor
	transcoder  *testsupport.FakeTranscoder
	ejects      *ejectRecorder
	notifier    *recordingNotifier
	source      string
	fingerprint int
}

func newHarness(t *testing.T, cfg *config.Config, opts ...pipeline.Option) *harness {
	t.Helper()
	h := &harness{
		cfg:        cfg,
		extractor:  &testsupport.FakeExtractor{ScratchRoot: cfg.Paths.ScratchDir},
		transcoder: &testsupport.FakeTranscoder{},
		ejects:     &ejectRecorder{},
		notifier:   &recordingNotifier{},
	}
	h.source = testsupport.WriteDVD(t, filepath.Join(testsupport.BaseDir(cfg), "MOVIE"), nil, testsupport.DVDTitle{Seconds: 600})
	base := []pipeline.Option{
		pipeline.WithExtractor(h.extractor),
		pipeline.WithTranscoder(h.transcoder),
		pipeline.WithEjector(h.ejects.eject),
		pipeline.WithNotifier(h.notifier),
	}
	manager, err := pipeline.New(cfg, logging.NewNop(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	h.manager = manager
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T) *queue.Job {
	t.Helper()
	h.fingerprint++
	job, err := h.manager.Enqueue(context.Background(), pipeline.EnqueueRequest{
		SourcePath:  h.source,
		Device:      "/dev/sr0",
		DiscTitle:   "Movie Night",
		Fingerprint: fmt.Sprintf("fp-%d", h.fingerprint),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *pipeline.Manager, id string, want queue.Status) *queue.Job {
	t.Helper()
	var job *queue.Job
	waitFor(t, fmt.Sprintf("job %s to reach %s", id, want), func() bool {
		got, err := m.Job(id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	})
	return job
}

func TestPipelineRunsJobToCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	events, unsubscribe := h.manager.Subscribe(256)
	defer unsubscribe()
	h.start(t)

	job := h.enqueue(t)
	done := waitStatus(t, h.manager, job.ID, queue.StatusCompleted)

	want := filepath.Join(cfg.Paths.OutputDir, "Movie Night", "title_01.mkv")
	if len(done.OutputFiles) != 1 || done.OutputFiles[0] != want {
		t.Fatalf("unexpected outputs %v, want %s", done.OutputFiles, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.ScratchDir, job.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected scratch removed after completion, stat err=%v", err)
	}
	if done.Progress != 1 || done.FinishedAt == nil || done.ExtractedAt == nil {
		t.Fatalf("unexpected completion fields: %+v", done)
	}
	if got := h.ejects.count(job.ID); got != 1 {
		t.Fatalf("expected one eject, got %d", got)
	}
	for _, event := range []notifications.Event{
		notifications.EventExtractionCompleted,
		notifications.EventConversionCompleted,
		notifications.EventQueueEmpty,
	} {
		waitFor(t, string(event)+" notification", func() bool { return h.notifier.has(event) })
	}

	seen := map[pipeline.EventKind]bool{}
	for len(events) > 0 {
		evt := <-events
		seen[evt.Kind] = true
	}
	if !seen[pipeline.EventJobAdded] || !seen[pipeline.EventJobUpdated] {
		t.Fatalf("expected added and updated events, saw %v", seen)
	}
}

func TestPipelineExtractsOneAtATime(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.extractor.Gate = make(chan struct{})
	h.start(t)

	jobs := []*queue.Job{h.enqueue(t), h.enqueue(t), h.enqueue(t)}
	waitStatus(t, h.manager, jobs[0].ID, queue.StatusExtracting)

	stats := h.manager.Stats()
	if stats[queue.StatusExtracting] != 1 || stats[queue.StatusPending] != 2 {
		t.Fatalf("expected 1 extracting and 2 pending, got %v", stats)
	}

	for range jobs {
		h.extractor.Gate <- struct{}{}
	}
	for _, job := range jobs {
		waitStatus(t, h.manager, job.ID, queue.StatusCompleted)
	}
	if got := h.extractor.MaxActive(); got != 1 {
		t.Fatalf("expected at most one concurrent extraction, got %d", got)
	}
	order := h.extractor.Jobs()
	for i, job := range jobs {
		if order[i] != job.ID {
			t.Fatalf("extraction order %v does not follow enqueue order", order)
		}
	}
}

func TestPipelineLimitsConcurrentConversions(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConversionSlots(2))
	h := newHarness(t, cfg)
	h.transcoder.Gate = make(chan struct{})
	h.start(t)

	jobs := make([]*queue.Job, 4)
	for i := range jobs {
		jobs[i] = h.enqueue(t)
	}
	waitFor(t, "two conversions and two waiting", func() bool {
		stats := h.manager.Stats()
		return stats[queue.StatusConverting] == 2 && stats[queue.StatusExtracted] == 2
	})

	for range jobs {
		h.transcoder.Gate <- struct{}{}
	}
	for _, job := range jobs {
		waitStatus(t, h.manager, job.ID, queue.StatusCompleted)
	}
	if got := h.transcoder.MaxActive(); got != 2 {
		t.Fatalf("expected conversions capped at 2, got %d", got)
	}
}

func TestPipelineCancelledJobsNeverRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.extractor.Gate = make(chan struct{})
	h.start(t)

	first, second, third := h.enqueue(t), h.enqueue(t), h.enqueue(t)
	waitStatus(t, h.manager, first.ID, queue.StatusExtracting)

	if _, err := h.manager.Cancel(context.Background(), first.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a running job, got %v", err)
	}
	if _, err := h.manager.Cancel(context.Background(), "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	cancelled, err := h.manager.Cancel(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if n := h.manager.CancelAllPending(context.Background()); n != 1 {
		t.Fatalf("expected 1 more pending job cancelled, got %d", n)
	}

	h.extractor.Gate <- struct{}{}
	waitStatus(t, h.manager, first.ID, queue.StatusCompleted)

	if got := h.extractor.Jobs(); len(got) != 1 || got[0] != first.ID {
		t.Fatalf("cancelled jobs reached extraction: %v", got)
	}
	if job, _ := h.manager.Job(third.ID); job.Status != queue.StatusCancelled {
		t.Fatalf("expected third job cancelled, got %s", job.Status)
	}
}

func TestPipelineDiskSpaceFailureLeavesNoScratch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	full := extraction.New(cfg, logging.NewNop(), extraction.WithFreeSpace(func(string) (uint64, error) {
		return 1 << 20, nil
	}))
	h := newHarness(t, cfg, pipeline.WithExtractor(full))
	h.start(t)

	job := h.enqueue(t)
	failed := waitStatus(t, h.manager, job.ID, queue.StatusFailed)

	if failed.ScratchDir != "" {
		t.Fatalf("expected no scratch recorded, got %s", failed.ScratchDir)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.ScratchDir, job.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected no scratch directory, stat err=%v", err)
	}
	if failed.Error == "" {
		t.Fatal("expected failure message retained on job")
	}
	if got := h.ejects.count(job.ID); got != 0 {
		t.Fatalf("failed extraction must not eject, got %d", got)
	}
	waitFor(t, "error notification", func() bool { return h.notifier.has(notifications.EventError) })
}

func TestPipelineConversionFailureRemovesScratch(t *testing.T) {
	for name, failure := range map[string]error{
		"tool error": services.Wrap(services.ErrExternalTool, "conversion", "ffmpeg", "exit status 1", nil),
		"timeout":    services.Wrap(services.ErrConversionTimeout, "conversion", "transcode", "exceeded 30m0s", nil),
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t)
			h := newHarness(t, cfg)
			h.transcoder.Err = failure
			h.start(t)

			job := h.enqueue(t)
			failed := waitStatus(t, h.manager, job.ID, queue.StatusFailed)
			if failed.ScratchDir != "" {
				t.Fatalf("scratch still recorded: %s", failed.ScratchDir)
			}
			if _, err := os.Stat(filepath.Join(cfg.Paths.ScratchDir, job.ID)); !os.IsNotExist(err) {
				t.Fatalf("scratch directory left after conversion failure, stat err=%v", err)
			}
			if got := h.ejects.count(job.ID); got != 1 {
				t.Fatalf("expected exactly one eject, got %d", got)
			}

			if err := h.manager.Clear(context.Background(), job.ID); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if _, err := h.manager.Job(job.ID); !errors.Is(err, services.ErrNotFound) {
				t.Fatalf("expected cleared job gone, got %v", err)
			}
		})
	}
}

func TestPipelineClearRequiresFinishedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.extractor.Gate = make(chan struct{})
	h.start(t)

	running := h.enqueue(t)
	pending := h.enqueue(t)
	waitStatus(t, h.manager, running.ID, queue.StatusExtracting)

	if err := h.manager.Clear(context.Background(), pending.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState clearing a pending job, got %v", err)
	}
	if _, err := h.manager.Cancel(context.Background(), pending.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n := h.manager.ClearFinished(context.Background()); n != 1 {
		t.Fatalf("expected one finished job cleared, got %d", n)
	}
	if got := len(h.manager.Jobs()); got != 1 {
		t.Fatalf("expected only the running job left, got %d", got)
	}
	h.extractor.Gate <- struct{}{}
	waitStatus(t, h.manager, running.ID, queue.StatusCompleted)
}

func TestPipelineRejectsDuplicateDisc(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)
	h.extractor.Gate = make(chan struct{})
	h.start(t)

	req := pipeline.EnqueueRequest{SourcePath: h.source}
	first, err := h.manager.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.Fingerprint == "" {
		t.Fatal("expected fingerprint computed from the source")
	}
	if _, err := h.manager.Enqueue(context.Background(), req); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected duplicate rejected with ErrValidation, got %v", err)
	}

	h.extractor.Gate <- struct{}{}
	waitStatus(t, h.manager, first.ID, queue.StatusCompleted)
	h.extractor.Gate = nil
	if _, err := h.manager.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("expected re-enqueue after completion to succeed, got %v", err)
	}
}

func TestPipelineRejectsInvalidSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg)

	if _, err := h.manager.Enqueue(context.Background(), pipeline.EnqueueRequest{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty source, got %v", err)
	}
	if _, err := h.manager.Enqueue(context.Background(), pipeline.EnqueueRequest{SourcePath: t.TempDir()}); err == nil {
		t.Fatal("expected error for a directory without a disc layout")
	}
}

func TestPipelineResumesPersistedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	interrupted := testsupport.NewJob(1, "Interrupted")
	interrupted.Status = queue.StatusExtracting
	testsupport.SaveJob(t, store, interrupted)

	waiting := testsupport.NewJob(2, "Waiting")
	waiting.OutputDir = cfg.Paths.OutputDir
	waiting.Status = queue.StatusConverting
	waiting.ScratchDir = filepath.Join(cfg.Paths.ScratchDir, waiting.ID)
	staged := filepath.Join(waiting.ScratchDir, "title_03.vob")
	testsupport.WriteFile(t, staged, 2048)
	if err := extraction.WriteManifest(waiting.ScratchDir, extraction.Result{
		ScratchDir: waiting.ScratchDir,
		MediaKind:  disc.KindDVD,
		Files:      []extraction.StagedFile{{Title: 3, Path: staged, Duration: 1200}},
	}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	testsupport.SaveJob(t, store, waiting)

	orphan := filepath.Join(cfg.Paths.ScratchDir, "job-999")
	testsupport.WriteFile(t, filepath.Join(orphan, "title_01.vob"), 16)

	h := newHarness(t, cfg, pipeline.WithStore(store))
	h.start(t)

	failed := waitStatus(t, h.manager, interrupted.ID, queue.StatusFailed)
	if failed.Error != queue.InterruptedReason {
		t.Fatalf("expected interrupted reason, got %q", failed.Error)
	}
	done := waitStatus(t, h.manager, waiting.ID, queue.StatusCompleted)
	if want := filepath.Join(cfg.Paths.OutputDir, "Waiting", "title_03.mkv"); len(done.OutputFiles) != 1 || done.OutputFiles[0] != want {
		t.Fatalf("unexpected outputs %v", done.OutputFiles)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned scratch removed on start, stat err=%v", err)
	}
	if got := len(h.extractor.Jobs()); got != 0 {
		t.Fatalf("recovered jobs must not extract again, got %d extractions", got)
	}

	persisted, err := store.Get(context.Background(), waiting.ID)
	if err != nil || persisted == nil {
		t.Fatalf("store.Get: %v", err)
	}
	waitFor(t, "completion persisted", func() bool {
		persisted, _ = store.Get(context.Background(), waiting.ID)
		return persisted != nil && persisted.Status == queue.StatusCompleted
	})
}

func TestPipelineStatusSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConversionSlots(3))
	h := newHarness(t, cfg)
	h.extractor.Gate = make(chan struct{})

	if h.manager.Status().Running {
		t.Fatal("expected stopped before Start")
	}
	h.start(t)
	job := h.enqueue(t)
	waitStatus(t, h.manager, job.ID, queue.StatusExtracting)

	summary := h.manager.Status()
	if !summary.Running || summary.ConversionSlots != 3 || summary.Transcoder != "fake" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Active) != 1 || summary.Active[0].ID != job.ID {
		t.Fatalf("expected running job in summary, got %+v", summary.Active)
	}
	h.extractor.Gate <- struct{}{}
	waitStatus(t, h.manager, job.ID, queue.StatusCompleted)
}

func TestPipelineShutdownLeavesJobsForRecovery(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	h := newHarness(t, cfg, pipeline.WithStore(store))
	h.extractor.Gate = make(chan struct{})
	h.start(t)

	job := h.enqueue(t)
	waitStatus(t, h.manager, job.ID, queue.StatusExtracting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	persisted, err := store.Get(context.Background(), job.ID)
	if err != nil || persisted == nil {
		t.Fatalf("store.Get: %v", err)
	}
	if persisted.Status != queue.StatusExtracting {
		t.Fatalf("expected job left extracting for recovery, got %s", persisted.Status)
	}
	if _, err := h.manager.Enqueue(context.Background(), pipeline.EnqueueRequest{SourcePath: h.source}); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected enqueue refused after shutdown, got %v", err)
	}
}

func TestPipelineConversionSharesOneDeadlinePerJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.ConversionTimeoutMinutes = 5
	h := newHarness(t, cfg)
	h.extractor.Titles = 3
	h.start(t)

	before := time.Now()
	job := h.enqueue(t)
	done := waitStatus(t, h.manager, job.ID, queue.StatusCompleted)
	if len(done.OutputFiles) != 3 {
		t.Fatalf("outputs = %v", done.OutputFiles)
	}

	calls := h.transcoder.Calls()
	if len(calls) != 3 {
		t.Fatalf("transcoder calls = %d, want 3", len(calls))
	}
	deadline := calls[0].Deadline
	if deadline.Before(before) || deadline.After(time.Now().Add(5*time.Minute)) {
		t.Fatalf("deadline %s outside the 5m job budget", deadline)
	}
	for _, call := range calls[1:] {
		if !call.Deadline.Equal(deadline) {
			t.Fatalf("title %s got its own deadline %s, want %s", call.Input, call.Deadline, deadline)
		}
	}
}
