package disc

import (
	"fmt"
	"slices"
	"time"

	"ripline/internal/services"
)

// DefaultMinTitleDuration drops menus, trailers and other short filler.
const DefaultMinTitleDuration = 60 * time.Second

// SelectTitles returns the titles extraction should read. An explicit
// request is honoured in the order given; otherwise every title at least
// minDuration long is kept. Zero-duration titles never qualify since they
// come from unreadable title sets.
func SelectTitles(m *Media, minDuration time.Duration, requested []int) ([]TitleInfo, error) {
	titles := m.Titles()
	if len(requested) > 0 {
		selected := make([]TitleInfo, 0, len(requested))
		seen := make(map[int]bool, len(requested))
		for _, number := range requested {
			if seen[number] {
				continue
			}
			seen[number] = true
			idx := slices.IndexFunc(titles, func(t TitleInfo) bool { return t.Number == number })
			if idx < 0 {
				return nil, services.Wrap(services.ErrValidation, "disc", "select titles",
					fmt.Sprintf("title %d does not exist", number), nil)
			}
			if titles[idx].Duration <= 0 {
				return nil, services.Wrap(services.ErrValidation, "disc", "select titles",
					fmt.Sprintf("title %d has no playable content", number), nil)
			}
			selected = append(selected, titles[idx])
		}
		return selected, nil
	}

	floor := minDuration.Seconds()
	var selected []TitleInfo
	for _, t := range titles {
		if t.Duration <= 0 || t.Duration < floor {
			continue
		}
		selected = append(selected, t)
	}
	if len(selected) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "disc", "select titles",
			fmt.Sprintf("no title is at least %s long", minDuration), nil)
	}
	return selected, nil
}
