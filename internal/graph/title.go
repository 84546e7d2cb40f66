package graph

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxTitleLength is the longest title stored, in characters.
const MaxTitleLength = 160

var (
	titlePrefix = regexp.MustCompile(`(?i)^\s*title\s*:\s*`)
	titleSuffix = regexp.MustCompile(`\s+/\s+[^/]*$`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// SanitizeTitle strips a leading "Title:" label and a trailing " / Site"
// suffix, collapses whitespace and cuts the result to MaxTitleLength.
func SanitizeTitle(title string) string {
	t := titlePrefix.ReplaceAllString(title, "")
	if stripped := titleSuffix.ReplaceAllString(t, ""); strings.TrimSpace(stripped) != "" {
		t = stripped
	}
	t = strings.TrimSpace(whitespace.ReplaceAllString(t, " "))
	if utf8.RuneCountInString(t) > MaxTitleLength {
		t = strings.TrimSpace(string([]rune(t)[:MaxTitleLength]))
	}
	return t
}

// BuildChunk is the text embedded for a node when no explicit chunk is given.
func BuildChunk(title, description, notes string) string {
	var parts []string
	for _, p := range []string{title, description, notes} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}
