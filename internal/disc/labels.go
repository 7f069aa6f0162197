package disc

import (
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const unknownTitle = "Unknown Disc"

var (
	// Authoring boilerplate and bare numbers, in any case.
	genericLabel = regexp.MustCompile(`(?i)LOGICAL_VOLUME_ID|VOLUME[_ ]?ID|VOLUME_|DVD_VIDEO|BLURAY|BD_ROM|UNTITLED|UNKNOWN DISC|DISK_|TRACK_|^\d+$`)
	// Upper-case short codes such as "ABC" or "X1". "Jaws" is a title.
	shortCode    = regexp.MustCompile(`^[A-Z0-9_]{1,4}$`)
	discSuffix   = regexp.MustCompile(`(?i)[ _-]*(disc|disk|dvd|bd)[ _-]*\d+$`)
	titleCaser   = cases.Title(language.English)
)

// IsGenericLabel reports whether a volume label is authoring boilerplate
// rather than a title.
func IsGenericLabel(label string) bool {
	label = strings.TrimSpace(label)
	return label == "" || genericLabel.MatchString(label) || shortCode.MatchString(label)
}

// DisplayTitle turns a volume label such as "THE_MATRIX_DISC_1" into
// "The Matrix". Generic labels fall back to the base name of root.
func DisplayTitle(label, root string) string {
	name := strings.TrimSpace(label)
	if IsGenericLabel(name) {
		name = filepath.Base(filepath.Clean(root))
		if name == "." || name == string(filepath.Separator) || IsGenericLabel(name) {
			return unknownTitle
		}
	}
	name = discSuffix.ReplaceAllString(name, "")
	name = strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '.' || r == ' ' || r == '\t'
	}), " ")
	switch {
	case name == "":
		return unknownTitle
	case name == strings.ToUpper(name), name == strings.ToLower(name):
		return titleCaser.String(strings.ToLower(name))
	}
	return name
}
