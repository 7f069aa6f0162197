package testsupport

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"
)

// BDPlayItem describes one PlayItem of a synthetic playlist.
type BDPlayItem struct {
	Clip       string
	InTime     uint32
	OutTime    uint32
	Angles     int
	Connection byte
	// Padding grows the record past its fixed fields, like STN tables do.
	Padding int
}

// BDMark describes one PlayListMark record.
type BDMark struct {
	Type     byte
	PlayItem uint16
	Time     uint32
}

// BDPlaylist describes one PLAYLIST/xxxxx.mpls file.
type BDPlaylist struct {
	Number int
	Items  []BDPlayItem
	Marks  []BDMark
}

// BDClip describes one clip and its stream file.
type BDClip struct {
	Name          string
	Rate          uint32
	Sectors       int
	MissingStream bool
}

// BluRay describes a synthetic BDMV tree.
type BluRay struct {
	Version     string
	MovieObject bool
	Playlists   []BDPlaylist
	Clips       []BDClip
	// UnitKeyFile, when set, is written to AACS/Unit_Key_RO.inf.
	UnitKeyFile []byte
}

// WriteBluRay creates root/BDMV with index, playlists, clip info and stream
// files. Stream sectors pass through transform when it is non-nil.
func WriteBluRay(t testing.TB, root string, disc BluRay, transform SectorTransform) string {
	t.Helper()

	bdmv := filepath.Join(root, "BDMV")
	version := disc.Version
	if version == "" {
		version = "0200"
	}
	index := make([]byte, 40)
	copy(index, "INDX"+version)
	writeBytes(t, filepath.Join(bdmv, "index.bdmv"), index)
	writeBytes(t, filepath.Join(bdmv, "BACKUP", "index.bdmv"), index)
	if disc.MovieObject {
		mobj := make([]byte, 40)
		copy(mobj, "MOBJ"+version)
		writeBytes(t, filepath.Join(bdmv, "MovieObject.bdmv"), mobj)
	}

	for _, pl := range disc.Playlists {
		writeBytes(t, filepath.Join(bdmv, "PLAYLIST", fmt.Sprintf("%05d.mpls", pl.Number)), BuildMPLS(pl))
	}
	for _, clip := range disc.Clips {
		writeBytes(t, filepath.Join(bdmv, "CLIPINF", clip.Name+".clpi"), buildCLPI(clip))
		if clip.MissingStream {
			continue
		}
		sectors := clip.Sectors
		if sectors <= 0 {
			sectors = 3
		}
		buf := make([]byte, 0, sectors*2048)
		for i := 0; i < sectors; i++ {
			sector := PatternSector(uint32(i))
			if transform != nil {
				transform(sector, uint32(i))
			}
			buf = append(buf, sector...)
		}
		writeBytes(t, filepath.Join(bdmv, "STREAM", clip.Name+".m2ts"), buf)
	}
	if disc.UnitKeyFile != nil {
		writeBytes(t, filepath.Join(root, "AACS", "Unit_Key_RO.inf"), disc.UnitKeyFile)
	}
	return root
}

// BuildMPLS encodes a playlist in the MPLS layout.
func BuildMPLS(pl BDPlaylist) []byte {
	var items []byte
	for _, item := range pl.Items {
		body := make([]byte, 34+item.Padding)
		copy(body[0:5], item.Clip)
		copy(body[5:9], "M2TS")
		flags := uint16(item.Connection & 0x0F)
		if item.Angles > 1 {
			flags |= 0x0010
			body[32] = byte(item.Angles)
		}
		binary.BigEndian.PutUint16(body[9:], flags)
		binary.BigEndian.PutUint32(body[12:], item.InTime)
		binary.BigEndian.PutUint32(body[16:], item.OutTime)
		rec := make([]byte, 2, 2+len(body))
		binary.BigEndian.PutUint16(rec, uint16(len(body)))
		items = append(items, append(rec, body...)...)
	}

	const headerSize = 40
	playlist := make([]byte, 10, 10+len(items))
	binary.BigEndian.PutUint32(playlist[0:], uint32(6+len(items)))
	binary.BigEndian.PutUint16(playlist[6:], uint16(len(pl.Items)))
	playlist = append(playlist, items...)

	marks := make([]byte, 6+markSize*len(pl.Marks))
	binary.BigEndian.PutUint32(marks[0:], uint32(2+markSize*len(pl.Marks)))
	binary.BigEndian.PutUint16(marks[4:], uint16(len(pl.Marks)))
	for i, mark := range pl.Marks {
		rec := marks[6+markSize*i:]
		rec[1] = mark.Type
		binary.BigEndian.PutUint16(rec[2:], mark.PlayItem)
		binary.BigEndian.PutUint32(rec[4:], mark.Time)
		binary.BigEndian.PutUint16(rec[8:], 0xFFFF)
	}

	out := make([]byte, headerSize)
	copy(out, "MPLS0200")
	binary.BigEndian.PutUint32(out[8:], headerSize)
	binary.BigEndian.PutUint32(out[12:], uint32(headerSize+len(playlist)))
	out = append(out, playlist...)
	out = append(out, marks...)
	return out
}

const markSize = 14

func buildCLPI(clip BDClip) []byte {
	buf := make([]byte, 64)
	copy(buf, "HDMV0200")
	binary.BigEndian.PutUint32(buf[40:], 20)
	buf[46] = 1
	buf[47] = 1
	binary.BigEndian.PutUint32(buf[52:], clip.Rate)
	binary.BigEndian.PutUint32(buf[56:], uint32(clip.Sectors*2048/192))
	return buf
}

// FeatureBluRay returns a disc with a long main playlist, a short menu loop
// and one clip per playlist.
func FeatureBluRay() BluRay {
	return BluRay{
		MovieObject: true,
		Clips: []BDClip{
			{Name: "00001", Rate: 6_000_000, Sectors: 6},
			{Name: "00002", Rate: 6_000_000, Sectors: 3},
			{Name: "00099", Rate: 1_000_000, Sectors: 2},
		},
		Playlists: []BDPlaylist{
			{
				Number: 800,
				Items: []BDPlayItem{
					{Clip: "00001", InTime: 45000, OutTime: 45000 + 3600*45000},
					{Clip: "00002", InTime: 60_000_000, OutTime: 60_000_000 + 1800*45000, Padding: 18},
				},
				Marks: []BDMark{
					{Type: 1, PlayItem: 0, Time: 45000},
					{Type: 1, PlayItem: 0, Time: 45000 + 1200*45000},
					{Type: 2, PlayItem: 0, Time: 90000},
					{Type: 1, PlayItem: 1, Time: 60_000_000},
				},
			},
			{
				Number: 1,
				Items:  []BDPlayItem{{Clip: "00099", InTime: 0, OutTime: 30 * 45000}},
			},
		},
	}
}
