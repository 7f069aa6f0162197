package extraction_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ripline/internal/aacs"
	"ripline/internal/aacs/aacstest"
	"ripline/internal/config"
	"ripline/internal/css"
	"ripline/internal/css/csstest"
	"ripline/internal/extraction"
	"ripline/internal/services"
	"ripline/internal/testsupport"
)

type fakeDrive struct {
	css    css.Device
	aacs   aacs.Device
	closed int
}

func (d *fakeDrive) CSS() css.Device   { return d.css }
func (d *fakeDrive) AACS() aacs.Device { return d.aacs }

func (d *fakeDrive) Close() error {
	d.closed++
	return nil
}

type driveRecorder struct {
	drive  *fakeDrive
	opened []string
}

func (r *driveRecorder) open(ctx context.Context, device string) (extraction.Drive, error) {
	r.opened = append(r.opened, device)
	return r.drive, nil
}

func plentyOfSpace(string) (uint64, error) { return 1 << 50, nil }

var titleKey = css.Key{0x11, 0x22, 0x33, 0x44, 0x55}

func scrambledDVD(t *testing.T) (string, *csstest.Drive) {
	t.Helper()
	drive := csstest.New()
	drive.AddTitle(testsupport.DVDVOBStart(1), titleKey)
	drive.AddTitle(testsupport.DVDVOBStart(2), css.Key{0x99, 0x88, 0x77, 0x66, 0x55})
	root := testsupport.WriteDVD(t, filepath.Join(t.TempDir(), "MOVIE"), drive.Transform,
		testsupport.DVDTitle{Seconds: 600, Chapters: 2, ChapterSectors: 4, VOBFiles: 2},
		testsupport.DVDTitle{Seconds: 20, Chapters: 1, ChapterSectors: 2},
	)
	return root, drive
}

func playerKeyEntry() string {
	k := csstest.DefaultPlayerKey
	return "7:" + hex.EncodeToString(k.Key[:])
}

func patternRun(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(testsupport.PatternSector(uint32(i)))
	}
	return buf.Bytes()
}

func TestExtractDecryptsCSSTitle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.CSS.PlayerKeys = []string{playerKeyEntry()}
	root, cssDrive := scrambledDVD(t)
	rec := &driveRecorder{drive: &fakeDrive{css: cssDrive}}

	var fractions []float64
	ex := extraction.New(cfg, nil,
		extraction.WithDriveOpener(rec.open),
		extraction.WithFreeSpace(plentyOfSpace),
	)
	result, err := ex.Extract(context.Background(), extraction.Request{
		JobID:      "job-1",
		SourcePath: root,
		Device:     "/dev/sr0",
	}, func(f float64, _ string) { fractions = append(fractions, f) })
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(result.Files) != 1 || result.Files[0].Title != 1 {
		t.Fatalf("expected only title 1, got %+v", result.Files)
	}
	staged := result.Files[0]
	if staged.Sectors != 8 || staged.Decrypted != 4 {
		t.Fatalf("unexpected counts: %+v", staged)
	}
	got, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if !bytes.Equal(got, patternRun(8)) {
		t.Fatal("staged title does not match plaintext")
	}
	if filepath.Base(staged.Path) != "title_01.vob" {
		t.Fatalf("unexpected file name %s", staged.Path)
	}
	if len(rec.opened) != 1 || rec.opened[0] != "/dev/sr0" || rec.drive.closed != 1 {
		t.Fatalf("drive opened %v closed %d", rec.opened, rec.drive.closed)
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("progress did not finish at 1: %v", fractions)
	}
	if _, err := os.Stat(filepath.Join(result.ScratchDir, "nav", "VIDEO_TS", "VIDEO_TS.IFO")); err != nil {
		t.Fatalf("navigation not copied: %v", err)
	}

	manifest, err := extraction.ReadManifest(result.ScratchDir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if manifest.MediaKind != "dvd" || len(manifest.Files) != 1 || manifest.DiscTitle != "Movie" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestExtractDecryptsAACSPlaylist(t *testing.T) {
	pki, err := aacstest.NewPKI()
	if err != nil {
		t.Fatalf("NewPKI: %v", err)
	}
	drive, err := aacstest.New(pki)
	if err != nil {
		t.Fatalf("aacstest.New: %v", err)
	}
	unit := aacs.Key{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF}

	disc := testsupport.FeatureBluRay()
	disc.UnitKeyFile = aacs.BuildUnitKeyFile([]aacs.Key{aacs.EncryptKey(drive.VolumeKey, unit)})
	root := testsupport.WriteBluRay(t, filepath.Join(t.TempDir(), "FEATURE"), disc, aacstest.Transform(unit))

	cfg := testsupport.NewConfig(t)
	cfg.AACS.ProcessingKeys = []string{hex.EncodeToString(drive.ProcessingKey[:])}
	rec := &driveRecorder{drive: &fakeDrive{aacs: drive}}
	ex := extraction.New(cfg, nil,
		extraction.WithDriveOpener(rec.open),
		extraction.WithFreeSpace(plentyOfSpace),
		extraction.WithAACSCredentials(pki.Host),
	)

	result, err := ex.Extract(context.Background(), extraction.Request{JobID: "bd", SourcePath: root, Device: "/dev/sr1"}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.MediaKind != "bluray" || len(result.Files) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	staged := result.Files[0]
	if filepath.Base(staged.Path) != "playlist_00800.m2ts" || staged.Sectors != 9 {
		t.Fatalf("unexpected staged file: %+v", staged)
	}
	// Sectors 0 and 3 of the first clip and 0 of the second are encrypted.
	if staged.Decrypted != 3 {
		t.Fatalf("decrypted %d sectors, want 3", staged.Decrypted)
	}
	got, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	want := append(patternRun(6), patternRun(3)...)
	if !bytes.Equal(got, want) {
		t.Fatal("staged playlist does not match plaintext")
	}
}

func TestExtractDecryptionOffCopiesVerbatim(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithDecryption("off"))
	root, _ := scrambledDVD(t)
	rec := &driveRecorder{drive: &fakeDrive{}}
	ex := extraction.New(cfg, nil, extraction.WithDriveOpener(rec.open), extraction.WithFreeSpace(plentyOfSpace))

	result, err := ex.Extract(context.Background(), extraction.Request{JobID: "raw", SourcePath: root, Device: "/dev/sr0"}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(rec.opened) != 0 {
		t.Fatal("drive should not be opened when decryption is off")
	}
	got, err := os.ReadFile(result.Files[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(got, patternRun(8)) {
		t.Fatal("expected scrambled sectors to be copied as is")
	}
	if result.Files[0].Decrypted != 0 {
		t.Fatalf("decrypted = %d", result.Files[0].Decrypted)
	}
}

func TestExtractUnprotectedSourceNeverOpensDrive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := testsupport.WriteDVD(t, t.TempDir(), nil, testsupport.DVDTitle{Seconds: 300, Chapters: 3})
	rec := &driveRecorder{drive: &fakeDrive{}}
	ex := extraction.New(cfg, nil, extraction.WithDriveOpener(rec.open), extraction.WithFreeSpace(plentyOfSpace))

	result, err := ex.Extract(context.Background(), extraction.Request{JobID: "plain", SourcePath: root}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(rec.opened) != 0 {
		t.Fatalf("drive opened for unprotected disc: %v", rec.opened)
	}
	got, _ := os.ReadFile(result.Files[0].Path)
	if !bytes.Equal(got, patternRun(12)) {
		t.Fatal("unexpected content")
	}
}

func TestExtractInsufficientSpaceLeavesNoScratch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root, _ := scrambledDVD(t)
	ex := extraction.New(cfg, nil, extraction.WithFreeSpace(func(string) (uint64, error) { return 512, nil }))

	_, err := ex.Extract(context.Background(), extraction.Request{JobID: "full", SourcePath: root}, nil)
	if !errors.Is(err, services.ErrInsufficientDiskSpace) {
		t.Fatalf("expected ErrInsufficientDiskSpace, got %v", err)
	}
	var spaceErr *extraction.InsufficientDiskSpaceError
	if !errors.As(err, &spaceErr) {
		t.Fatalf("expected InsufficientDiskSpaceError, got %T", err)
	}
	if spaceErr.Available != 512 || spaceErr.Required != extraction.RequiredSpace(cfg, "dvd") {
		t.Fatalf("unexpected error fields: %+v", spaceErr)
	}
	assertNoScratch(t, cfg, "full")
}

func TestExtractChecksSpaceBeforeParsing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "VIDEO_TS"), 0o755); err != nil {
		t.Fatal(err)
	}
	// A VMG header this short would fail the parse.
	if err := os.WriteFile(filepath.Join(root, "VIDEO_TS", "VIDEO_TS.IFO"), []byte("DVDVIDEO"), 0o644); err != nil {
		t.Fatal(err)
	}
	ex := extraction.New(cfg, nil, extraction.WithFreeSpace(func(string) (uint64, error) { return 512, nil }))

	_, err := ex.Extract(context.Background(), extraction.Request{JobID: "early", SourcePath: root}, nil)
	if !errors.Is(err, services.ErrInsufficientDiskSpace) {
		t.Fatalf("expected ErrInsufficientDiskSpace before parsing, got %v", err)
	}
	assertNoScratch(t, cfg, "early")
}

func TestExtractAuthenticationFailureCleansUp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.CSS.PlayerKeys = []string{playerKeyEntry()}
	root, cssDrive := scrambledDVD(t)
	cssDrive.FailAt = csstest.StepKey2
	rec := &driveRecorder{drive: &fakeDrive{css: cssDrive}}
	ex := extraction.New(cfg, nil, extraction.WithDriveOpener(rec.open), extraction.WithFreeSpace(plentyOfSpace))

	_, err := ex.Extract(context.Background(), extraction.Request{JobID: "auth", SourcePath: root, Device: "/dev/sr0"}, nil)
	if !errors.Is(err, services.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if rec.drive.closed != 1 {
		t.Fatalf("drive closed %d times", rec.drive.closed)
	}
	assertNoScratch(t, cfg, "auth")
}

func TestExtractProtectedSourceWithoutDevice(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root, _ := scrambledDVD(t)
	ex := extraction.New(cfg, nil, extraction.WithFreeSpace(plentyOfSpace))

	_, err := ex.Extract(context.Background(), extraction.Request{JobID: "nodev", SourcePath: root}, nil)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	assertNoScratch(t, cfg, "nodev")
}

func TestExtractHonoursCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := testsupport.WriteDVD(t, t.TempDir(), nil, testsupport.DVDTitle{Seconds: 300})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := extraction.New(cfg, nil, extraction.WithFreeSpace(plentyOfSpace))
	_, err := ex.Extract(ctx, extraction.Request{JobID: "cancel", SourcePath: root}, nil)
	if !services.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	assertNoScratch(t, cfg, "cancel")
}

func TestExtractExplicitTitles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := testsupport.WriteDVD(t, t.TempDir(), nil,
		testsupport.DVDTitle{Seconds: 300},
		testsupport.DVDTitle{Seconds: 20, ChapterSectors: 2},
	)
	ex := extraction.New(cfg, nil, extraction.WithFreeSpace(plentyOfSpace))

	result, err := ex.Extract(context.Background(), extraction.Request{JobID: "pick", SourcePath: root, Titles: []int{2}}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(result.Files) != 1 || result.Files[0].Title != 2 || result.Files[0].Sectors != 2 {
		t.Fatalf("unexpected files: %+v", result.Files)
	}

	_, err = ex.Extract(context.Background(), extraction.Request{JobID: "missing", SourcePath: root, Titles: []int{7}}, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExtractRequiresJobID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ex := extraction.New(cfg, nil)
	if _, err := ex.Extract(context.Background(), extraction.Request{SourcePath: t.TempDir()}, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func assertNoScratch(t *testing.T, cfg *config.Config, jobID string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(cfg.Paths.ScratchDir, jobID)); !os.IsNotExist(err) {
		t.Fatalf("scratch dir for %s should not exist (err=%v)", jobID, err)
	}
}
