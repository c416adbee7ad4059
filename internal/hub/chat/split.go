package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is the per-message ceiling enforced by the chat API.
// Longer payloads are split before sending.
const MaxMessageLen = 4090

// partHeaderReserve is headroom kept free in each chunk for the
// "Part k/N" prefix added after splitting.
const partHeaderReserve = 16

// SplitMessage returns text as a single part when it fits, otherwise
// splits it at line boundaries into parts labelled "Part k/N". A single
// line longer than the ceiling is cut at a rune boundary so multi-byte
// characters survive.
func SplitMessage(text string) []string {
	if len(text) <= MaxMessageLen {
		return []string{text}
	}

	chunks := splitAtLines(text, MaxMessageLen-partHeaderReserve)
	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = fmt.Sprintf("Part %d/%d\n%s", i+1, len(chunks), chunk)
	}
	return parts
}

func splitAtLines(text string, limit int) []string {
	var chunks []string
	var sb strings.Builder
	sb.Grow(limit)

	for _, line := range strings.Split(text, "\n") {
		needed := len(line)
		if sb.Len() > 0 {
			needed++ // the joining newline
		}

		if sb.Len()+needed > limit {
			if sb.Len() > 0 {
				chunks = append(chunks, sb.String())
				sb.Reset()
			}
			// A single oversized line is cut hard, but never inside a
			// rune.
			for len(line) > limit {
				var chunk string
				chunk, line = safeSplit(line, limit)
				chunks = append(chunks, chunk)
			}
			sb.WriteString(line)
			continue
		}

		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
	}

	if sb.Len() > 0 {
		chunks = append(chunks, sb.String())
	}
	return chunks
}

// safeSplit cuts s at the largest rune boundary not beyond limit bytes.
func safeSplit(s string, limit int) (chunk, remainder string) {
	if len(s) <= limit {
		return s, ""
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return s[:cut], s[cut:]
}
