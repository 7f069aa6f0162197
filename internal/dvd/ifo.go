package dvd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ripline/internal/services"
)

const (
	vmgMagic = "DVDVIDEO-VMG"
	vtsMagic = "DVDVIDEO-VTS"

	vmgTitleSetCountOffset = 0x3E
	vmgTitleTableOffset    = 0xC4
	vtsTitleVOBSOffset     = 0xC4
	vtsPTTTableOffset      = 0xC8
	vtsPGCTableOffset      = 0xCC

	titleRecordSize = 12
	tableHeaderSize = 8
	pgcEntrySize    = 8
	cellRecordSize  = 24

	pgcTimeOffset      = 0x04
	pgcCellCountOffset = 0x03
	pgcCellTableOffset = 0xE8
)

// Parse reads the VIDEO_TS tree under root and returns its titles in title
// table order.
func Parse(root string) (*Disc, error) {
	videoTS, err := findVideoTS(root)
	if err != nil {
		return nil, err
	}
	names, err := dirIndex(videoTS)
	if err != nil {
		return nil, err
	}

	vmgPath, ok := names["VIDEO_TS.IFO"]
	if !ok {
		return nil, services.Wrap(services.ErrInvalidFormat, "dvd", "open", "VIDEO_TS.IFO not found", nil)
	}
	vmg, err := os.ReadFile(vmgPath)
	if err != nil {
		return nil, fmt.Errorf("read video manager: %w", err)
	}
	if err := checkMagic(vmg, vmgMagic, vmgPath); err != nil {
		return nil, err
	}

	disc := &Disc{Root: root, VideoTS: videoTS}
	if len(vmg) >= vmgTitleSetCountOffset+2 {
		disc.TitleSets = int(binary.BigEndian.Uint16(vmg[vmgTitleSetCountOffset:]))
	}

	records, err := parseTitleTable(vmg, vmgPath)
	if err != nil {
		return nil, err
	}

	sets := map[int]*titleSet{}
	for i, rec := range records {
		title := Title{
			Number:        i + 1,
			TitleSet:      rec.titleSet,
			TitleSetTitle: rec.titleSetTitle,
			StartSector:   rec.startSector,
			ChapterCount:  rec.chapters,
			AngleCount:    rec.angles,
		}
		set, seen := sets[rec.titleSet]
		if !seen {
			set, err = loadTitleSet(names, rec.titleSet)
			if err != nil {
				return nil, err
			}
			sets[rec.titleSet] = set
		}
		if set != nil {
			set.apply(&title)
		}
		disc.Titles = append(disc.Titles, title)
	}
	return disc, nil
}

type titleRecord struct {
	angles        int
	chapters      int
	titleSet      int
	titleSetTitle int
	startSector   uint32
}

func parseTitleTable(vmg []byte, path string) ([]titleRecord, error) {
	base, err := sectorPointer(vmg, vmgTitleTableOffset, path, "title table")
	if err != nil {
		return nil, err
	}
	if base+tableHeaderSize > len(vmg) {
		return nil, truncated(path, "title table header")
	}
	count := int(binary.BigEndian.Uint16(vmg[base:]))
	records := make([]titleRecord, 0, count)
	for i := 0; i < count; i++ {
		off := base + tableHeaderSize + i*titleRecordSize
		if off+titleRecordSize > len(vmg) {
			return nil, truncated(path, fmt.Sprintf("title record %d", i+1))
		}
		rec := vmg[off : off+titleRecordSize]
		records = append(records, titleRecord{
			angles:        int(rec[1]),
			chapters:      int(binary.BigEndian.Uint16(rec[2:4])),
			titleSet:      int(rec[6]),
			titleSetTitle: int(rec[7]),
			startSector:   binary.BigEndian.Uint32(rec[8:12]),
		})
	}
	return records, nil
}

// titleSet holds the decoded program chains of one VTS_xx_0.IFO.
type titleSet struct {
	vobStart uint32
	pgcs     []programChain
	pttPGC   map[int]int
	vobs     []string
}

type programChain struct {
	duration float64
	cells    []Chapter
}

func (s *titleSet) apply(title *Title) {
	title.VOBStartSector = title.StartSector + s.vobStart
	title.VOBs = append([]string(nil), s.vobs...)
	if len(s.pgcs) == 0 {
		return
	}
	pgc := s.pgcs[0]
	if idx, ok := s.pttPGC[title.TitleSetTitle]; ok && idx >= 1 && idx <= len(s.pgcs) {
		pgc = s.pgcs[idx-1]
	}
	title.Duration = pgc.duration
	title.Chapters = append([]Chapter(nil), pgc.cells...)
}

// loadTitleSet returns nil without error when the title set IFO is absent.
func loadTitleSet(names map[string]string, number int) (*titleSet, error) {
	path, ok := names[fmt.Sprintf("VTS_%02d_0.IFO", number)]
	if !ok {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read title set %d: %w", number, err)
	}
	if err := checkMagic(data, vtsMagic, path); err != nil {
		return nil, err
	}

	set := &titleSet{pttPGC: map[int]int{}}
	if len(data) >= vtsTitleVOBSOffset+4 {
		set.vobStart = binary.BigEndian.Uint32(data[vtsTitleVOBSOffset:])
	}
	if set.pgcs, err = parsePGCTable(data, path); err != nil {
		return nil, err
	}
	set.pttPGC = parsePTTTable(data)
	for n := 1; ; n++ {
		vob, ok := names[fmt.Sprintf("VTS_%02d_%d.VOB", number, n)]
		if !ok {
			break
		}
		set.vobs = append(set.vobs, vob)
	}
	return set, nil
}

func parsePGCTable(data []byte, path string) ([]programChain, error) {
	base, err := sectorPointer(data, vtsPGCTableOffset, path, "program chain table")
	if err != nil {
		return nil, err
	}
	if base+tableHeaderSize > len(data) {
		return nil, truncated(path, "program chain table header")
	}
	count := int(binary.BigEndian.Uint16(data[base:]))
	chains := make([]programChain, 0, count)
	for i := 0; i < count; i++ {
		entry := base + tableHeaderSize + i*pgcEntrySize
		if entry+pgcEntrySize > len(data) {
			return nil, truncated(path, fmt.Sprintf("program chain entry %d", i+1))
		}
		pgcOff := base + int(binary.BigEndian.Uint32(data[entry+4:]))
		pgc, err := parsePGC(data, pgcOff, path)
		if err != nil {
			return nil, err
		}
		chains = append(chains, pgc)
	}
	return chains, nil
}

func parsePGC(data []byte, off int, path string) (programChain, error) {
	if off+pgcCellTableOffset+2 > len(data) {
		return programChain{}, truncated(path, "program chain")
	}
	pgc := programChain{
		duration: DecodeBCDTime(binary.BigEndian.Uint32(data[off+pgcTimeOffset:])),
	}
	cellCount := int(data[off+pgcCellCountOffset])
	cellTable := int(binary.BigEndian.Uint16(data[off+pgcCellTableOffset:]))
	if cellCount == 0 || cellTable == 0 {
		return pgc, nil
	}
	start := off + cellTable
	for i := 0; i < cellCount; i++ {
		rec := start + i*cellRecordSize
		if rec+cellRecordSize > len(data) {
			return programChain{}, truncated(path, fmt.Sprintf("cell %d", i+1))
		}
		cell := data[rec : rec+cellRecordSize]
		chapter := Chapter{
			Number:      i + 1,
			Duration:    DecodeBCDTime(binary.BigEndian.Uint32(cell[4:8])),
			StartSector: binary.BigEndian.Uint32(cell[8:12]),
			EndSector:   binary.BigEndian.Uint32(cell[20:24]),
		}
		if chapter.EndSector < chapter.StartSector {
			return programChain{}, services.Wrap(services.ErrInvalidFormat, "dvd", "parse cell",
				fmt.Sprintf("%s: cell %d ends (%d) before it starts (%d)", filepath.Base(path), i+1, chapter.EndSector, chapter.StartSector), nil)
		}
		pgc.cells = append(pgc.cells, chapter)
	}
	return pgc, nil
}

// parsePTTTable maps title-set title numbers to the program chain their
// first part-of-title entry points at. Damaged tables yield an empty map.
func parsePTTTable(data []byte) map[int]int {
	out := map[int]int{}
	if len(data) < vtsPTTTableOffset+4 {
		return out
	}
	sector := binary.BigEndian.Uint32(data[vtsPTTTableOffset:])
	base := int(sector) * SectorSize
	if sector == 0 || base+tableHeaderSize > len(data) {
		return out
	}
	count := int(binary.BigEndian.Uint16(data[base:]))
	for ttn := 1; ttn <= count; ttn++ {
		ptr := base + tableHeaderSize + (ttn-1)*4
		if ptr+4 > len(data) {
			break
		}
		first := base + int(binary.BigEndian.Uint32(data[ptr:]))
		if first+4 > len(data) {
			continue
		}
		if pgcn := int(binary.BigEndian.Uint16(data[first:])); pgcn > 0 {
			out[ttn] = pgcn
		}
	}
	return out
}

func sectorPointer(data []byte, at int, path, what string) (int, error) {
	if at+4 > len(data) {
		return 0, truncated(path, what+" pointer")
	}
	sector := binary.BigEndian.Uint32(data[at:])
	if sector == 0 {
		return 0, services.Wrap(services.ErrInvalidFormat, "dvd", "parse", fmt.Sprintf("%s: %s pointer is zero", filepath.Base(path), what), nil)
	}
	return int(sector) * SectorSize, nil
}

func checkMagic(data []byte, magic, path string) error {
	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		return services.Wrap(services.ErrInvalidFormat, "dvd", "check magic",
			fmt.Sprintf("%s: expected %q header", filepath.Base(path), magic), nil)
	}
	return nil
}

func truncated(path, what string) error {
	return services.Wrap(services.ErrInvalidFormat, "dvd", "parse", fmt.Sprintf("%s: truncated %s", filepath.Base(path), what), nil)
}

// findVideoTS accepts either the disc root or the VIDEO_TS directory itself.
func findVideoTS(root string) (string, error) {
	if strings.EqualFold(filepath.Base(root), "VIDEO_TS") {
		return root, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read disc root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.EqualFold(entry.Name(), "VIDEO_TS") {
			return filepath.Join(root, entry.Name()), nil
		}
	}
	return "", services.Wrap(services.ErrInvalidFormat, "dvd", "open", fmt.Sprintf("no VIDEO_TS directory under %s", root), nil)
}

// dirIndex maps upper-cased file names to their on-disk paths so lookups
// work for both pressed discs and lower-cased copies.
func dirIndex(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out[strings.ToUpper(entry.Name())] = filepath.Join(dir, entry.Name())
	}
	return out, nil
}

// IsDVD reports whether root looks like a DVD-Video tree.
func IsDVD(root string) bool {
	dir, err := findVideoTS(root)
	if err != nil {
		return false
	}
	names, err := dirIndex(dir)
	if err != nil {
		return false
	}
	_, ok := names["VIDEO_TS.IFO"]
	return ok
}
