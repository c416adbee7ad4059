// Package validate sanitizes and validates operator- and agent-supplied
// identifiers before they reach storage or a shell.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var serverIDPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// SanitizeServerID trims whitespace, lowercases, then validates a server
// identifier. Server ids appear in session identifiers (`kr4:1`) typed
// into the chat, so the alphabet is restricted to lowercase alphanumerics,
// 1-32 characters.
func SanitizeServerID(value string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(value))
	if id == "" {
		return "", fmt.Errorf("server id must not be empty")
	}
	if len(id) > 32 {
		return "", fmt.Errorf("server id must be at most 32 characters")
	}
	if !serverIDPattern.MatchString(id) {
		return "", fmt.Errorf("server id must contain only lowercase letters and digits")
	}
	return id, nil
}
