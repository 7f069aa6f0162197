package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ripline/internal/conversion"
	"ripline/internal/disc"
	"ripline/internal/extraction"
	"ripline/internal/services"
)

// FakeTranscoder records conversions and writes a small output file per
// request. When Gate is set every call blocks until Gate yields a value or
// the context ends.
type FakeTranscoder struct {
	Gate chan struct{}
	Err  error

	mu        sync.Mutex
	calls     []conversion.Request
	active    int
	maxActive int
}

func (f *FakeTranscoder) Name() string { return "fake" }

func (f *FakeTranscoder) Transcode(ctx context.Context, req conversion.Request, progress conversion.ProgressFunc) (conversion.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate, failure := f.Gate, f.Err
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if progress != nil {
		progress(0.5)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return conversion.Result{}, services.Wrap(services.ErrCancelled, "conversion", "fake", "cancelled", ctx.Err())
		}
	}
	if failure != nil {
		return conversion.Result{}, failure
	}

	out := conversion.OutputPath(req.Input, req.OutputDir, req.Profile.Container)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return conversion.Result{}, err
	}
	if err := os.WriteFile(out, []byte("converted"), 0o644); err != nil {
		return conversion.Result{}, err
	}
	if progress != nil {
		progress(1)
	}
	return conversion.Result{OutputPath: out}, nil
}

// Calls returns the requests seen so far.
func (f *FakeTranscoder) Calls() []conversion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversion.Request(nil), f.calls...)
}

// MaxActive reports the highest number of concurrent Transcode calls.
func (f *FakeTranscoder) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// FakeExtractor stages small files per job under scratchRoot/<job id>
// without reading a disc, one per title (Titles, default 1). Gate behaves as
// in FakeTranscoder. Err, when set, fails the extraction before anything is
// written.
type FakeExtractor struct {
	ScratchRoot string
	Titles      int
	Gate        chan struct{}
	Err         error

	mu        sync.Mutex
	jobs      []string
	active    int
	maxActive int
}

func (f *FakeExtractor) Extract(ctx context.Context, req extraction.Request, progress extraction.ProgressFunc) (extraction.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, req.JobID)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate, failure := f.Gate, f.Err
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if progress != nil {
		progress(0.25, "title 1")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return extraction.Result{}, services.Wrap(services.ErrCancelled, "extraction", "fake", "cancelled", ctx.Err())
		}
	}
	if failure != nil {
		return extraction.Result{}, failure
	}

	scratch := filepath.Join(f.ScratchRoot, req.JobID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return extraction.Result{}, err
	}
	result := extraction.Result{
		ScratchDir: scratch,
		MediaKind:  disc.KindDVD,
		DiscTitle:  "Fixture",
		CreatedAt:  time.Now().UTC(),
	}
	for n := 1; n <= max(f.Titles, 1); n++ {
		staged := filepath.Join(scratch, fmt.Sprintf("title_%02d.vob", n))
		if err := os.WriteFile(staged, []byte("staged"), 0o644); err != nil {
			return extraction.Result{}, err
		}
		result.Files = append(result.Files, extraction.StagedFile{Title: n, Path: staged, Duration: 90, Chapters: 1, Sectors: 1})
	}
	if err := extraction.WriteManifest(scratch, result); err != nil {
		return extraction.Result{}, err
	}
	if progress != nil {
		progress(1, "done")
	}
	return result, nil
}

// Jobs returns the job ids extracted so far, in call order.
func (f *FakeExtractor) Jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobs...)
}

// MaxActive reports the highest number of concurrent Extract calls.
func (f *FakeExtractor) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}
