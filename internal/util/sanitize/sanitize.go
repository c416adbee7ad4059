package sanitize

import (
	"strings"
	"unicode"
)

// Label sanitizes a free-form label (project name, tmux session name)
// for chat display by removing control characters and limiting the
// length.
func Label(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Excerpt sanitizes conversation text for chat display: control
// characters other than newline and tab are removed, and the text is
// cut at maxLen bytes with an ellipsis marker.
func Excerpt(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if b.Len() >= maxLen {
			return strings.TrimSpace(b.String()) + "…"
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
