package bluray

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TicksPerSecond is the resolution of PlayItem and mark timestamps.
const TicksPerSecond = 45000

// Mark types from the PlayListMark table.
const (
	MarkEntry     = 1
	MarkLinkPoint = 2
)

// Disc is the parsed navigation model of one BDMV tree.
type Disc struct {
	Root    string
	BDMV    string
	Version string
	// UHD is set for index version 0300 (Ultra HD Blu-ray).
	UHD            bool
	HasMovieObject bool
	Playlists      []Playlist
	clips          map[string]Clip
}

// Playlist is one PLAYLIST/xxxxx.mpls file.
type Playlist struct {
	Number int
	Path   string
	Items  []PlayItem
	Marks  []Mark
}

// PlayItem references a clip interval in 45 kHz ticks.
type PlayItem struct {
	ClipID              string
	CodecID             string
	ConnectionCondition int
	STCID               int
	InTime              uint32
	OutTime             uint32
	AngleCount          int
}

// Mark is one PlayListMark record.
type Mark struct {
	Type     int
	PlayItem int
	Time     uint32
}

// Clip is one CLIPINF/xxxxx.clpi file.
type Clip struct {
	Name string
	// Bitrate is the TS recording rate in bits per second.
	Bitrate uint64
	Packets uint32
}

// Duration returns the PlayItem length in seconds.
func (p PlayItem) Duration() float64 {
	return float64(p.OutTime-p.InTime) / TicksPerSecond
}

// Duration returns the sum of PlayItem durations in seconds.
func (p Playlist) Duration() float64 {
	var total float64
	for _, item := range p.Items {
		total += item.Duration()
	}
	return total
}

// Length returns Duration as a time.Duration.
func (p Playlist) Length() time.Duration {
	return time.Duration(p.Duration() * float64(time.Second))
}

// ChapterCount counts entry marks.
func (p Playlist) ChapterCount() int {
	count := 0
	for _, mark := range p.Marks {
		if mark.Type == MarkEntry {
			count++
		}
	}
	return count
}

// Name returns the five digit file stem, e.g. "00800".
func (p Playlist) Name() string {
	return fmt.Sprintf("%05d", p.Number)
}

// Playlist returns the playlist with the given number.
func (d *Disc) Playlist(number int) (Playlist, bool) {
	if d == nil {
		return Playlist{}, false
	}
	for _, pl := range d.Playlists {
		if pl.Number == number {
			return pl, true
		}
	}
	return Playlist{}, false
}

// LongestPlaylist returns the playlist with the greatest duration. Ties go to
// the lower playlist number.
func (d *Disc) LongestPlaylist() (Playlist, bool) {
	if d == nil || len(d.Playlists) == 0 {
		return Playlist{}, false
	}
	best := d.Playlists[0]
	for _, pl := range d.Playlists[1:] {
		if pl.Duration() > best.Duration() {
			best = pl
		}
	}
	return best, true
}

// Clip looks up clip information by name.
func (d *Disc) Clip(name string) (Clip, bool) {
	if d == nil {
		return Clip{}, false
	}
	clip, ok := d.clips[name]
	return clip, ok
}

// Clips returns every parsed clip keyed by name.
func (d *Disc) Clips() map[string]Clip {
	out := make(map[string]Clip, len(d.clips))
	for k, v := range d.clips {
		out[k] = v
	}
	return out
}

// StreamFiles resolves the STREAM/{clip}.m2ts files backing a playlist, in
// PlayItem order, skipping files that do not exist. A clip referenced twice
// appears twice.
func (d *Disc) StreamFiles(pl Playlist) []string {
	if d == nil {
		return nil
	}
	streamDir := filepath.Join(d.BDMV, "STREAM")
	var files []string
	for _, item := range pl.Items {
		path := filepath.Join(streamDir, item.ClipID+".m2ts")
		if _, err := os.Stat(path); err != nil {
			alt := filepath.Join(streamDir, item.ClipID+".M2TS")
			if _, altErr := os.Stat(alt); altErr != nil {
				continue
			}
			path = alt
		}
		files = append(files, path)
	}
	return files
}
