package disc_test

import (
	"errors"
	"testing"
	"time"

	"ripline/internal/disc"
	"ripline/internal/services"
	"ripline/internal/testsupport"
)

func TestOpenDVD(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil,
		testsupport.DVDTitle{Seconds: 5400, Chapters: 4, VOBFiles: 2},
		testsupport.DVDTitle{Seconds: 45, Chapters: 1},
	)

	media, err := disc.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if media.Kind != disc.KindDVD || media.DVD == nil || media.BluRay != nil {
		t.Fatalf("unexpected media: %+v", media)
	}
	titles := media.Titles()
	if len(titles) != 2 {
		t.Fatalf("expected 2 titles, got %d", len(titles))
	}
	if titles[0].Number != 1 || titles[0].Chapters != 4 || len(titles[0].Files) != 2 || titles[0].Sectors == 0 {
		t.Fatalf("unexpected first title: %+v", titles[0])
	}
	if titles[0].Length() != 90*time.Minute {
		t.Fatalf("length = %s", titles[0].Length())
	}
}

func TestOpenBluRayAndUHD(t *testing.T) {
	root := testsupport.WriteBluRay(t, t.TempDir(), testsupport.FeatureBluRay(), nil)
	media, err := disc.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if media.Kind != disc.KindBluRay || !media.Kind.IsBluRay() {
		t.Fatalf("kind = %s", media.Kind)
	}
	main, ok := media.Title(800)
	if !ok {
		t.Fatal("playlist 800 missing")
	}
	if main.Duration != 5400 || main.Chapters != 3 || len(main.Files) != 2 {
		t.Fatalf("unexpected playlist: %+v", main)
	}

	uhd := testsupport.FeatureBluRay()
	uhd.Version = "0300"
	media, err = disc.Open(testsupport.WriteBluRay(t, t.TempDir(), uhd, nil))
	if err != nil {
		t.Fatalf("Open UHD: %v", err)
	}
	if media.Kind != disc.KindBluRay4K {
		t.Fatalf("kind = %s, want %s", media.Kind, disc.KindBluRay4K)
	}
}

func TestOpenRejectsUnknownLayout(t *testing.T) {
	_, err := disc.Open(t.TempDir())
	if !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestSelectTitlesDropsShortTitles(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil,
		testsupport.DVDTitle{Seconds: 5400, Chapters: 4},
		testsupport.DVDTitle{Seconds: 45, Chapters: 1},
	)
	media, err := disc.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	selected, err := disc.SelectTitles(media, disc.DefaultMinTitleDuration, nil)
	if err != nil {
		t.Fatalf("SelectTitles: %v", err)
	}
	if len(selected) != 1 || selected[0].Duration != 5400 {
		t.Fatalf("expected only the 5400s title, got %+v", selected)
	}
}

func TestSelectTitlesSkipsZeroDuration(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil,
		testsupport.DVDTitle{Seconds: 3000, Chapters: 2},
		testsupport.DVDTitle{Seconds: 3000, Chapters: 2, MissingVTS: true},
	)
	media, err := disc.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	selected, err := disc.SelectTitles(media, 0, nil)
	if err != nil {
		t.Fatalf("SelectTitles: %v", err)
	}
	if len(selected) != 1 || selected[0].Number != 1 {
		t.Fatalf("expected title 1 only, got %+v", selected)
	}
	if _, err := disc.SelectTitles(media, 0, []int{2}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty title, got %v", err)
	}
}

func TestSelectTitlesHonoursExplicitRequest(t *testing.T) {
	root := testsupport.WriteBluRay(t, t.TempDir(), testsupport.FeatureBluRay(), nil)
	media, err := disc.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	selected, err := disc.SelectTitles(media, disc.DefaultMinTitleDuration, []int{1, 800, 1})
	if err != nil {
		t.Fatalf("SelectTitles: %v", err)
	}
	if len(selected) != 2 || selected[0].Number != 1 || selected[1].Number != 800 {
		t.Fatalf("unexpected selection: %+v", selected)
	}
	if _, err := disc.SelectTitles(media, 0, []int{42}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSelectTitlesNothingLongEnough(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil, testsupport.DVDTitle{Seconds: 30, Chapters: 1})
	media, err := disc.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := disc.SelectTitles(media, disc.DefaultMinTitleDuration, nil); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range []disc.Kind{disc.KindDVD, disc.KindBluRay, disc.KindBluRay4K} {
		got, err := disc.ParseKind(string(kind))
		if err != nil || got != kind {
			t.Fatalf("ParseKind(%q) = %q, %v", kind, got, err)
		}
	}
	if _, err := disc.ParseKind("laserdisc"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDetectKind(t *testing.T) {
	uhd := testsupport.FeatureBluRay()
	uhd.Version = "0300"
	cases := map[string]struct {
		root string
		want disc.Kind
	}{
		"dvd":    {testsupport.WriteDVD(t, t.TempDir(), nil, testsupport.DVDTitle{Seconds: 600}), disc.KindDVD},
		"bluray": {testsupport.WriteBluRay(t, t.TempDir(), testsupport.FeatureBluRay(), nil), disc.KindBluRay},
		"uhd":    {testsupport.WriteBluRay(t, t.TempDir(), uhd, nil), disc.KindBluRay4K},
	}
	for name, tc := range cases {
		got, err := disc.DetectKind(tc.root)
		if err != nil || got != tc.want {
			t.Errorf("%s: DetectKind = %s, %v; want %s", name, got, err, tc.want)
		}
	}
	if _, err := disc.DetectKind(t.TempDir()); !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat for empty tree, got %v", err)
	}
}
