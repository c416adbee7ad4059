package sshexec

import (
	"fmt"
	"strings"
)

// listSessionsCommand prints one tmux session name per line.
const listSessionsCommand = "tmux list-sessions -F '#{session_name}'"

// sendKeysCommand builds the remote shell command that types text into
// a tmux session and presses Enter.
func sendKeysCommand(tmuxSession, text string) string {
	return fmt.Sprintf("tmux send-keys -t %s %s Enter", shellQuote(tmuxSession), shellQuote(text))
}

func killSessionCommand(tmuxSession string) string {
	return fmt.Sprintf("tmux kill-session -t %s", shellQuote(tmuxSession))
}

// shellQuote single-quotes s for a POSIX shell. Embedded single quotes
// close the string, emit an escaped quote, and reopen it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseSessionList splits tmux list-sessions output into names.
func parseSessionList(out string) []string {
	var sessions []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions
}

// noServerRunning reports whether tmux failed because no server exists
// on the host, which for listing purposes means "no sessions" rather
// than an error.
func noServerRunning(out string) bool {
	return strings.Contains(out, "no server running") ||
		strings.Contains(out, "error connecting to")
}

// sessionMissing reports whether tmux rejected a target session that
// does not exist. Killing an already-gone session is a success for
// cleanup purposes.
func sessionMissing(out string) bool {
	return strings.Contains(out, "can't find session") ||
		strings.Contains(out, "session not found") ||
		noServerRunning(out)
}
