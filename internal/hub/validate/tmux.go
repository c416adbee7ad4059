package validate

import (
	"fmt"
	"strings"
)

// SanitizeTmuxSession strips control characters from a tmux session name
// and validates the result. tmux target syntax reserves ':' and '.', so
// names containing either are rejected rather than silently rewritten.
// Empty input is allowed: sessions without a tmux name are addressable
// but cannot receive commands.
func SanitizeTmuxSession(value string) (string, error) {
	var b strings.Builder
	for _, r := range value {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		return "", nil
	}
	if len(name) > 64 {
		return "", fmt.Errorf("tmux session name must be at most 64 characters")
	}
	if strings.ContainsAny(name, ":.") {
		return "", fmt.Errorf("tmux session name must not contain ':' or '.'")
	}
	return name, nil
}
