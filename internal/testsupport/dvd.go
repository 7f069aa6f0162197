package testsupport

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"ripline/internal/dvd"
)

// DVDTitle describes one title of a synthetic VIDEO_TS tree. Each title gets
// its own title set.
type DVDTitle struct {
	Seconds        int
	Chapters       int
	ChapterSectors uint32
	VOBFiles       int
	Angles         int
	MissingVTS     bool
}

// SectorTransform rewrites a stream sector before it is written, for example
// to scramble it. lba is the absolute sector for DVDs and the file-relative
// sector for Blu-ray stream files.
type SectorTransform func(sector []byte, lba uint32)

const (
	dvdVTSStride   = 1000
	dvdVOBSStart   = 16
	dvdPGCBase     = 2*dvd.SectorSize + 16
	dvdCellTableAt = 0xEC
)

// DVDTitleSetStart returns the absolute sector where the fixture places the
// given title set.
func DVDTitleSetStart(vts int) uint32 {
	return uint32(vts * dvdVTSStride)
}

// DVDVOBStart returns the absolute sector of the first VOB sector of a title set.
func DVDVOBStart(vts int) uint32 {
	return DVDTitleSetStart(vts) + dvdVOBSStart
}

// WriteDVD creates root/VIDEO_TS with a video manager, one title set per
// title, and VOB files filled with patterned sectors.
func WriteDVD(t testing.TB, root string, transform SectorTransform, titles ...DVDTitle) string {
	t.Helper()

	videoTS := filepath.Join(root, "VIDEO_TS")
	if err := os.MkdirAll(videoTS, 0o755); err != nil {
		t.Fatalf("mkdir VIDEO_TS: %v", err)
	}

	vmg := make([]byte, 2*dvd.SectorSize)
	copy(vmg, "DVDVIDEO-VMG")
	binary.BigEndian.PutUint16(vmg[0x3E:], uint16(len(titles)))
	binary.BigEndian.PutUint32(vmg[0xC4:], 1)
	table := vmg[dvd.SectorSize:]
	binary.BigEndian.PutUint16(table[0:], uint16(len(titles)))
	binary.BigEndian.PutUint32(table[4:], uint32(8+12*len(titles)-1))
	for i, title := range titles {
		title = title.withDefaults()
		rec := table[8+12*i:]
		rec[0] = 0x3C
		rec[1] = byte(title.Angles)
		binary.BigEndian.PutUint16(rec[2:], uint16(title.Chapters))
		rec[6] = byte(i + 1)
		rec[7] = 1
		binary.BigEndian.PutUint32(rec[8:], DVDTitleSetStart(i+1))
	}
	writeBytes(t, filepath.Join(videoTS, "VIDEO_TS.IFO"), vmg)
	writeBytes(t, filepath.Join(videoTS, "VIDEO_TS.BUP"), vmg)

	for i, title := range titles {
		title = title.withDefaults()
		if title.MissingVTS {
			continue
		}
		vts := i + 1
		ifo := buildVTS(title)
		writeBytes(t, filepath.Join(videoTS, fmt.Sprintf("VTS_%02d_0.IFO", vts)), ifo)
		writeBytes(t, filepath.Join(videoTS, fmt.Sprintf("VTS_%02d_0.BUP", vts)), ifo)
		writeVOBs(t, videoTS, vts, title, transform)
	}
	return root
}

func (d DVDTitle) withDefaults() DVDTitle {
	if d.Chapters <= 0 {
		d.Chapters = 1
	}
	if d.ChapterSectors == 0 {
		d.ChapterSectors = 4
	}
	if d.VOBFiles <= 0 {
		d.VOBFiles = 1
	}
	if d.Angles <= 0 {
		d.Angles = 1
	}
	return d
}

func buildVTS(title DVDTitle) []byte {
	size := dvdPGCBase + dvdCellTableAt + 24*title.Chapters
	if rem := size % dvd.SectorSize; rem != 0 {
		size += dvd.SectorSize - rem
	}
	buf := make([]byte, size)
	copy(buf, "DVDVIDEO-VTS")
	binary.BigEndian.PutUint32(buf[0xC4:], dvdVOBSStart)
	binary.BigEndian.PutUint32(buf[0xC8:], 1)
	binary.BigEndian.PutUint32(buf[0xCC:], 2)

	ptt := buf[dvd.SectorSize:]
	binary.BigEndian.PutUint16(ptt[0:], 1)
	binary.BigEndian.PutUint32(ptt[8:], 12)
	binary.BigEndian.PutUint16(ptt[12:], 1)
	binary.BigEndian.PutUint16(ptt[14:], 1)

	pgci := buf[2*dvd.SectorSize:]
	binary.BigEndian.PutUint16(pgci[0:], 1)
	pgci[8] = 0x81
	binary.BigEndian.PutUint32(pgci[12:], 16)

	pgc := buf[dvdPGCBase:]
	pgc[2] = byte(title.Chapters)
	pgc[3] = byte(title.Chapters)
	binary.BigEndian.PutUint32(pgc[4:], bcdSeconds(title.Seconds))
	binary.BigEndian.PutUint16(pgc[0xE8:], dvdCellTableAt)

	per := title.Seconds / title.Chapters
	var sector uint32
	for c := 0; c < title.Chapters; c++ {
		secs := per
		if c == title.Chapters-1 {
			secs = title.Seconds - per*(title.Chapters-1)
		}
		cell := pgc[dvdCellTableAt+24*c:]
		binary.BigEndian.PutUint32(cell[4:], bcdSeconds(secs))
		binary.BigEndian.PutUint32(cell[8:], sector)
		binary.BigEndian.PutUint32(cell[16:], sector+title.ChapterSectors-1)
		binary.BigEndian.PutUint32(cell[20:], sector+title.ChapterSectors-1)
		sector += title.ChapterSectors
	}
	return buf
}

func writeVOBs(t testing.TB, dir string, vts int, title DVDTitle, transform SectorTransform) {
	t.Helper()
	total := int(title.ChapterSectors) * title.Chapters
	perFile := (total + title.VOBFiles - 1) / title.VOBFiles
	base := DVDVOBStart(vts)
	rel := 0
	for n := 1; n <= title.VOBFiles; n++ {
		count := perFile
		if rel+count > total {
			count = total - rel
		}
		buf := make([]byte, 0, count*dvd.SectorSize)
		for i := 0; i < count; i++ {
			sector := PatternSector(uint32(rel + i))
			if transform != nil {
				transform(sector, base+uint32(rel+i))
			}
			buf = append(buf, sector...)
		}
		writeBytes(t, filepath.Join(dir, fmt.Sprintf("VTS_%02d_%d.VOB", vts, n)), buf)
		rel += count
	}
}

// PatternSector returns a plaintext 2048-byte sector whose payload depends on
// its index, with all protection flags clear.
func PatternSector(index uint32) []byte {
	sector := make([]byte, dvd.SectorSize)
	binary.BigEndian.PutUint32(sector[4:], index)
	for i := 0x80; i < len(sector); i++ {
		sector[i] = byte(int(index) + i)
	}
	return sector
}

func bcdSeconds(total int) uint32 {
	return dvd.EncodeBCDTime(total/3600, (total/60)%60, total%60, 0)
}

func writeBytes(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
