package disc

import (
	"fmt"
	"path/filepath"
	"time"

	"ripline/internal/bluray"
	"ripline/internal/dvd"
	"ripline/internal/services"
)

// Kind identifies the disc format.
type Kind string

const (
	KindDVD      Kind = "dvd"
	KindBluRay   Kind = "bluray"
	KindBluRay4K Kind = "bluray4k"
)

// String returns a human-readable label.
func (k Kind) String() string {
	switch k {
	case KindDVD:
		return "DVD"
	case KindBluRay:
		return "Blu-ray"
	case KindBluRay4K:
		return "4K Blu-ray"
	default:
		return string(k)
	}
}

// IsBluRay reports whether the kind uses the BDMV layout.
func (k Kind) IsBluRay() bool {
	return k == KindBluRay || k == KindBluRay4K
}

// ParseKind converts a stored kind string back into a Kind.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindDVD, KindBluRay, KindBluRay4K:
		return Kind(value), nil
	default:
		return "", fmt.Errorf("unknown media kind %q", value)
	}
}

// Media is a parsed disc. Exactly one of DVD or BluRay is set, matching Kind.
type Media struct {
	Kind   Kind
	Root   string
	DVD    *dvd.Disc
	BluRay *bluray.Disc
}

// TitleInfo is the format-independent view of a DVD title or Blu-ray playlist.
type TitleInfo struct {
	Number   int
	Duration float64
	Chapters int
	Angles   int
	// Sectors is the title size for DVDs; zero for Blu-ray playlists.
	Sectors uint64
	Files   []string
}

// Length returns the duration as a time.Duration.
func (t TitleInfo) Length() time.Duration {
	return time.Duration(t.Duration * float64(time.Second))
}

// DetectKind identifies the layout under root from the directory tree and
// the index.bdmv header alone, without parsing titles.
func DetectKind(root string) (Kind, error) {
	root = filepath.Clean(root)
	switch {
	case bluray.IsBluRay(root):
		_, uhd, err := bluray.ReadVersion(root)
		if err != nil {
			return "", err
		}
		if uhd {
			return KindBluRay4K, nil
		}
		return KindBluRay, nil
	case dvd.IsDVD(root):
		return KindDVD, nil
	}
	return "", unknownLayout(root)
}

// Open detects the disc layout under root and parses it.
func Open(root string) (*Media, error) {
	root = filepath.Clean(root)
	switch {
	case bluray.IsBluRay(root):
		bd, err := bluray.Parse(root)
		if err != nil {
			return nil, err
		}
		kind := KindBluRay
		if bd.UHD {
			kind = KindBluRay4K
		}
		return &Media{Kind: kind, Root: root, BluRay: bd}, nil
	case dvd.IsDVD(root):
		d, err := dvd.Parse(root)
		if err != nil {
			return nil, err
		}
		return &Media{Kind: KindDVD, Root: root, DVD: d}, nil
	default:
		return nil, unknownLayout(root)
	}
}

func unknownLayout(root string) error {
	return services.Wrap(services.ErrInvalidFormat, "disc", "open",
		fmt.Sprintf("%s contains neither VIDEO_TS nor BDMV", root), nil)
}

// Titles lists every title or playlist in disc order.
func (m *Media) Titles() []TitleInfo {
	if m == nil {
		return nil
	}
	switch {
	case m.DVD != nil:
		titles := make([]TitleInfo, 0, len(m.DVD.Titles))
		for _, t := range m.DVD.Titles {
			titles = append(titles, TitleInfo{
				Number:   t.Number,
				Duration: t.Duration,
				Chapters: len(t.Chapters),
				Angles:   t.AngleCount,
				Sectors:  t.Sectors(),
				Files:    append([]string(nil), t.VOBs...),
			})
		}
		return titles
	case m.BluRay != nil:
		titles := make([]TitleInfo, 0, len(m.BluRay.Playlists))
		for _, pl := range m.BluRay.Playlists {
			angles := 1
			for _, item := range pl.Items {
				angles = max(angles, item.AngleCount)
			}
			titles = append(titles, TitleInfo{
				Number:   pl.Number,
				Duration: pl.Duration(),
				Chapters: pl.ChapterCount(),
				Angles:   angles,
				Files:    m.BluRay.StreamFiles(pl),
			})
		}
		return titles
	}
	return nil
}

// Title looks up a title or playlist by number.
func (m *Media) Title(number int) (TitleInfo, bool) {
	for _, t := range m.Titles() {
		if t.Number == number {
			return t, true
		}
	}
	return TitleInfo{}, false
}
