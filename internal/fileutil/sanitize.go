package fileutil

import "strings"

var nameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeName makes a disc or title label safe to use as a single path
// element. Separators and wildcards become dashes; quoting characters are
// dropped. Returns fallback when nothing usable remains.
func SanitizeName(name, fallback string) string {
	name = strings.TrimSpace(nameReplacer.Replace(strings.TrimSpace(name)))
	name = strings.Trim(name, ".")
	if name == "" {
		return fallback
	}
	return name
}
