package bluray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ripline/internal/services"
)

const (
	indexMagic       = "INDX"
	movieObjectMagic = "MOBJ"
	playlistMagic    = "MPLS"
	clipMagic        = "HDMV"

	uhdVersion = "0300"

	markRecordSize = 14
)

// Parse reads the BDMV tree under root.
func Parse(root string) (*Disc, error) {
	bdmv, err := findBDMV(root)
	if err != nil {
		return nil, err
	}

	index, err := os.ReadFile(filepath.Join(bdmv, "index.bdmv"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrInvalidFormat, "bluray", "open", "index.bdmv not found", nil)
		}
		return nil, fmt.Errorf("read index.bdmv: %w", err)
	}
	version, err := checkHeader(index, indexMagic, "index.bdmv")
	if err != nil {
		return nil, err
	}

	disc := &Disc{
		Root:    root,
		BDMV:    bdmv,
		Version: version,
		UHD:     version == uhdVersion,
		clips:   map[string]Clip{},
	}

	movieObject, err := os.ReadFile(filepath.Join(bdmv, "MovieObject.bdmv"))
	switch {
	case err == nil:
		if _, err := checkHeader(movieObject, movieObjectMagic, "MovieObject.bdmv"); err != nil {
			return nil, err
		}
		disc.HasMovieObject = true
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read MovieObject.bdmv: %w", err)
	}

	clipFiles, err := listByExt(filepath.Join(bdmv, "CLIPINF"), ".clpi")
	if err != nil {
		return nil, err
	}
	for _, path := range clipFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		clip, err := ParseClip(stem(path), data)
		if err != nil {
			return nil, err
		}
		disc.clips[clip.Name] = clip
	}

	playlistFiles, err := listByExt(filepath.Join(bdmv, "PLAYLIST"), ".mpls")
	if err != nil {
		return nil, err
	}
	for _, path := range playlistFiles {
		number, err := strconv.Atoi(stem(path))
		if err != nil || len(stem(path)) != 5 {
			return nil, services.Wrap(services.ErrInvalidFormat, "bluray", "parse playlist",
				fmt.Sprintf("%s: playlist name is not five digits", filepath.Base(path)), nil)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		pl, err := ParsePlaylist(number, data)
		if err != nil {
			return nil, err
		}
		pl.Path = path
		disc.Playlists = append(disc.Playlists, pl)
	}
	sort.Slice(disc.Playlists, func(i, j int) bool {
		return disc.Playlists[i].Number < disc.Playlists[j].Number
	})
	return disc, nil
}

// ParsePlaylist decodes the contents of one .mpls file.
func ParsePlaylist(number int, data []byte) (Playlist, error) {
	name := fmt.Sprintf("%05d.mpls", number)
	if _, err := checkHeader(data, playlistMagic, name); err != nil {
		return Playlist{}, err
	}
	if len(data) < 20 {
		return Playlist{}, truncated(name, "header")
	}
	playlistStart := int(binary.BigEndian.Uint32(data[8:]))
	markStart := int(binary.BigEndian.Uint32(data[12:]))

	pl := Playlist{Number: number}
	items, err := parsePlayItems(data, playlistStart, name)
	if err != nil {
		return Playlist{}, err
	}
	pl.Items = items

	marks, err := parseMarks(data, markStart, len(items), name)
	if err != nil {
		return Playlist{}, err
	}
	pl.Marks = marks
	return pl, nil
}

func parsePlayItems(data []byte, start int, name string) ([]PlayItem, error) {
	if start+10 > len(data) {
		return nil, truncated(name, "playlist table")
	}
	count := int(binary.BigEndian.Uint16(data[start+6:]))
	items := make([]PlayItem, 0, count)
	pos := start + 10
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return nil, truncated(name, fmt.Sprintf("play item %d length", i))
		}
		length := int(binary.BigEndian.Uint16(data[pos:]))
		body := pos + 2
		end := body + length
		if length < 20 || end > len(data) {
			return nil, truncated(name, fmt.Sprintf("play item %d", i))
		}
		rec := data[body:end]
		flags := binary.BigEndian.Uint16(rec[9:11])
		item := PlayItem{
			ClipID:              string(rec[0:5]),
			CodecID:             string(rec[5:9]),
			ConnectionCondition: int(flags & 0x000F),
			STCID:               int(rec[11]),
			InTime:              binary.BigEndian.Uint32(rec[12:16]),
			OutTime:             binary.BigEndian.Uint32(rec[16:20]),
			AngleCount:          1,
		}
		if flags&0x0010 != 0 && len(rec) > 32 {
			if n := int(rec[32]); n > 1 {
				item.AngleCount = n
			}
		}
		if item.InTime >= item.OutTime {
			return nil, services.Wrap(services.ErrInvalidFormat, "bluray", "parse play item",
				fmt.Sprintf("%s: play item %d in time %d is not before out time %d", name, i, item.InTime, item.OutTime), nil)
		}
		items = append(items, item)
		pos = end
	}
	return items, nil
}

func parseMarks(data []byte, start, itemCount int, name string) ([]Mark, error) {
	if start == 0 {
		return nil, nil
	}
	if start+6 > len(data) {
		return nil, truncated(name, "mark table")
	}
	count := int(binary.BigEndian.Uint16(data[start+4:]))
	marks := make([]Mark, 0, count)
	// Mark times are on the referenced clip's timeline, so ordering is
	// checked per mark type within each PlayItem.
	type markKey struct{ kind, item int }
	last := map[markKey]uint32{}
	for i := 0; i < count; i++ {
		off := start + 6 + i*markRecordSize
		if off+markRecordSize > len(data) {
			return nil, truncated(name, fmt.Sprintf("mark %d", i))
		}
		rec := data[off : off+markRecordSize]
		mark := Mark{
			Type:     int(rec[1]),
			PlayItem: int(binary.BigEndian.Uint16(rec[2:4])),
			Time:     binary.BigEndian.Uint32(rec[4:8]),
		}
		if mark.PlayItem >= itemCount {
			return nil, services.Wrap(services.ErrInvalidFormat, "bluray", "parse mark",
				fmt.Sprintf("%s: mark %d references play item %d of %d", name, i, mark.PlayItem, itemCount), nil)
		}
		key := markKey{mark.Type, mark.PlayItem}
		if prev, ok := last[key]; ok && mark.Time < prev {
			return nil, services.Wrap(services.ErrInvalidFormat, "bluray", "parse mark",
				fmt.Sprintf("%s: mark %d goes back in time", name, i), nil)
		}
		last[key] = mark.Time
		marks = append(marks, mark)
	}
	return marks, nil
}

// ParseClip decodes the ClipInfo block of one .clpi file.
func ParseClip(name string, data []byte) (Clip, error) {
	file := name + ".clpi"
	if _, err := checkHeader(data, clipMagic, file); err != nil {
		return Clip{}, err
	}
	const clipInfo = 40
	if len(data) < clipInfo+20 {
		return Clip{}, truncated(file, "clip info")
	}
	rate := binary.BigEndian.Uint32(data[clipInfo+12:])
	return Clip{
		Name:    name,
		Bitrate: uint64(rate) * 8,
		Packets: binary.BigEndian.Uint32(data[clipInfo+16:]),
	}, nil
}

// checkHeader validates the four byte magic and returns the four byte version.
func checkHeader(data []byte, magic, name string) (string, error) {
	if len(data) < 8 || string(data[:4]) != magic {
		return "", services.Wrap(services.ErrInvalidFormat, "bluray", "check magic",
			fmt.Sprintf("%s: expected %q header", name, magic), nil)
	}
	return string(data[4:8]), nil
}

func truncated(name, what string) error {
	return services.Wrap(services.ErrInvalidFormat, "bluray", "parse", fmt.Sprintf("%s: truncated %s", name, what), nil)
}

func findBDMV(root string) (string, error) {
	if strings.EqualFold(filepath.Base(root), "BDMV") {
		return root, nil
	}
	candidate := filepath.Join(root, "BDMV")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}
	return "", services.Wrap(services.ErrInvalidFormat, "bluray", "open", fmt.Sprintf("no BDMV directory under %s", root), nil)
}

// listByExt returns files in dir with the given extension, sorted by name.
// A missing directory yields no files.
func listByExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadVersion returns the index.bdmv version field without parsing the rest
// of the disc, and whether it marks an Ultra HD disc.
func ReadVersion(root string) (string, bool, error) {
	bdmv, err := findBDMV(root)
	if err != nil {
		return "", false, err
	}
	f, err := os.Open(filepath.Join(bdmv, "index.bdmv"))
	if err != nil {
		return "", false, fmt.Errorf("open index.bdmv: %w", err)
	}
	defer f.Close()
	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return "", false, truncated("index.bdmv", "header")
	}
	version, err := checkHeader(header, indexMagic, "index.bdmv")
	if err != nil {
		return "", false, err
	}
	return version, version == uhdVersion, nil
}

// IsBluRay reports whether root contains a BDMV/index.bdmv.
func IsBluRay(root string) bool {
	bdmv, err := findBDMV(root)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(bdmv, "index.bdmv"))
	return err == nil
}
