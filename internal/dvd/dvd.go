package dvd

import (
	"time"
)

// SectorSize is the DVD logical block size.
const SectorSize = 2048

// Disc is the parsed navigation model of one VIDEO_TS tree.
type Disc struct {
	Root      string
	VideoTS   string
	TitleSets int
	Titles    []Title
}

// Title is one entry of the Video Manager title table.
type Title struct {
	Number        int
	TitleSet      int
	TitleSetTitle int
	// StartSector is the first sector of the title set on disc.
	StartSector uint32
	// VOBStartSector is the first sector of the title VOB set on disc.
	VOBStartSector uint32
	ChapterCount   int
	AngleCount     int
	Duration       float64
	Chapters       []Chapter
	VOBs           []string
}

// Chapter is one cell of the title's program chain.
type Chapter struct {
	Number      int
	StartSector uint32
	EndSector   uint32
	Duration    float64
}

// Sectors reports the number of sectors the chapter spans.
func (c Chapter) Sectors() uint32 {
	return c.EndSector - c.StartSector + 1
}

// Length returns the title duration as a time.Duration.
func (t Title) Length() time.Duration {
	return time.Duration(t.Duration * float64(time.Second))
}

// Sectors returns the total sector span of all chapters.
func (t Title) Sectors() uint64 {
	var total uint64
	for _, ch := range t.Chapters {
		total += uint64(ch.Sectors())
	}
	return total
}

// Title returns the title with the given 1-based number.
func (d *Disc) Title(number int) (Title, bool) {
	if d == nil {
		return Title{}, false
	}
	for _, t := range d.Titles {
		if t.Number == number {
			return t, true
		}
	}
	return Title{}, false
}

// LongestTitle returns the title with the greatest duration.
func (d *Disc) LongestTitle() (Title, bool) {
	if d == nil || len(d.Titles) == 0 {
		return Title{}, false
	}
	best := d.Titles[0]
	for _, t := range d.Titles[1:] {
		if t.Duration > best.Duration {
			best = t
		}
	}
	return best, true
}
