package dvd_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ripline/internal/dvd"
	"ripline/internal/services"
	"ripline/internal/testsupport"
)

func TestDecodeBCDTime(t *testing.T) {
	tests := []struct {
		name string
		in   uint32
		want float64
	}{
		{"hours minutes seconds frames", 0x01023005, 3750.2},
		{"zero", 0x00000000, 0},
		{"25fps flag", 0x00000140 | 0x10, 1.4},
		{"30fps flag", 0x000001C0 | 0x15, 1.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := dvd.DecodeBCDTime(tc.in)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("DecodeBCDTime(%#08x) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeBCDTimeRoundTrip(t *testing.T) {
	v := dvd.EncodeBCDTime(1, 30, 0, 0)
	if got := dvd.DecodeBCDTime(v); got != 5400 {
		t.Fatalf("round trip = %v, want 5400", got)
	}
}

func TestParseTitlesAndChapters(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil,
		testsupport.DVDTitle{Seconds: 5400, Chapters: 4, VOBFiles: 2},
		testsupport.DVDTitle{Seconds: 45},
		testsupport.DVDTitle{Seconds: 1200, Chapters: 3, ChapterSectors: 5, Angles: 2},
	)

	disc, err := dvd.Parse(root)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(disc.Titles) != 3 {
		t.Fatalf("expected one title per table entry, got %d", len(disc.Titles))
	}

	for _, title := range disc.Titles {
		var prevEnd int64 = -1
		for _, ch := range title.Chapters {
			if ch.EndSector < ch.StartSector {
				t.Fatalf("title %d chapter %d ends before it starts", title.Number, ch.Number)
			}
			if int64(ch.StartSector) != prevEnd+1 {
				t.Fatalf("title %d chapter %d not contiguous: start %d after end %d", title.Number, ch.Number, ch.StartSector, prevEnd)
			}
			prevEnd = int64(ch.EndSector)
		}
	}

	first := disc.Titles[0]
	if first.Duration != 5400 {
		t.Fatalf("title 1 duration = %v, want 5400", first.Duration)
	}
	if first.ChapterCount != 4 || len(first.Chapters) != 4 {
		t.Fatalf("title 1 chapters = %d/%d, want 4", first.ChapterCount, len(first.Chapters))
	}
	if len(first.VOBs) != 2 {
		t.Fatalf("title 1 VOBs = %v, want 2 files", first.VOBs)
	}
	if first.VOBStartSector != testsupport.DVDVOBStart(1) {
		t.Fatalf("title 1 VOB start = %d, want %d", first.VOBStartSector, testsupport.DVDVOBStart(1))
	}

	third, ok := disc.Title(3)
	if !ok {
		t.Fatal("Title(3) not found")
	}
	if third.AngleCount != 2 || third.TitleSet != 3 {
		t.Fatalf("title 3 = %+v", third)
	}
	if third.Sectors() != 15 {
		t.Fatalf("title 3 sectors = %d, want 15", third.Sectors())
	}

	longest, ok := disc.LongestTitle()
	if !ok || longest.Number != 1 {
		t.Fatalf("LongestTitle = %d, want 1", longest.Number)
	}
	if _, ok := disc.Title(9); ok {
		t.Fatal("Title(9) should not exist")
	}
}

func TestParseSkipsMissingTitleSet(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil,
		testsupport.DVDTitle{Seconds: 600},
		testsupport.DVDTitle{Seconds: 900, MissingVTS: true},
	)
	disc, err := dvd.Parse(root)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	missing, ok := disc.Title(2)
	if !ok {
		t.Fatal("title 2 should still be listed")
	}
	if missing.Duration != 0 || len(missing.VOBs) != 0 || len(missing.Chapters) != 0 {
		t.Fatalf("missing title set should leave an empty title, got %+v", missing)
	}
}

func TestParseAcceptsLowercaseNames(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteDVD(t, root, nil, testsupport.DVDTitle{Seconds: 120})
	videoTS := filepath.Join(root, "VIDEO_TS")
	entries, err := os.ReadDir(videoTS)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(videoTS, e.Name()), filepath.Join(videoTS, strings.ToLower(e.Name()))); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Rename(videoTS, filepath.Join(root, "video_ts")); err != nil {
		t.Fatal(err)
	}

	disc, err := dvd.Parse(root)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(disc.Titles) != 1 || len(disc.Titles[0].VOBs) != 1 {
		t.Fatalf("unexpected titles %+v", disc.Titles)
	}
	if !dvd.IsDVD(root) {
		t.Fatal("IsDVD should accept lower-case trees")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil, testsupport.DVDTitle{Seconds: 120})
	ifo := filepath.Join(root, "VIDEO_TS", "VIDEO_TS.IFO")
	data, err := os.ReadFile(ifo)
	if err != nil {
		t.Fatal(err)
	}
	copy(data, "NOTAVIDEOVMG")
	if err := os.WriteFile(ifo, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = dvd.Parse(root)
	if !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestParseRejectsTruncatedTitleTable(t *testing.T) {
	root := testsupport.WriteDVD(t, t.TempDir(), nil, testsupport.DVDTitle{Seconds: 120})
	ifo := filepath.Join(root, "VIDEO_TS", "VIDEO_TS.IFO")
	data, err := os.ReadFile(ifo)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ifo, data[:dvd.SectorSize+4], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := dvd.Parse(root); !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestParseWithoutVideoTS(t *testing.T) {
	if _, err := dvd.Parse(t.TempDir()); !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}
