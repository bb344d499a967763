package archive

import (
	"regexp"
	"strings"
)

const (
	// DefaultName is used when an output name is unset or unusable.
	DefaultName = "output"
	// MaxNameLength is the longest sanitised name that is kept.
	MaxNameLength = 128
)

var (
	disallowed = regexp.MustCompile(`[^A-Za-z0-9_\-@]`)
	fillerRuns = regexp.MustCompile(`_{2,}`)
)

// SanitizeName makes name safe for use as a file and folder name. Every
// character outside [A-Za-z0-9_-@] becomes "_" and runs of "_" collapse to
// one. DefaultName is returned when nothing usable is left or the result is
// longer than MaxNameLength.
func SanitizeName(name string) string {
	s := disallowed.ReplaceAllString(name, "_")
	s = fillerRuns.ReplaceAllString(s, "_")
	if strings.Trim(s, "_") == "" || len(s) > MaxNameLength {
		return DefaultName
	}
	return s
}
