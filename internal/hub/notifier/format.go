package notifier

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/telemux/telemux/internal/hub/chat"
	"github.com/telemux/telemux/internal/hub/sessionreg"
	"github.com/telemux/telemux/internal/util/sanitize"
)

// Notification types reported by agents.
const (
	TypeCompleted = "completed"
	TypeWaiting   = "waiting"
)

// Display caps. The answer cap still allows multi-part messages; it
// exists so a pasted build log cannot fan out into dozens of parts.
const (
	maxProjectLen  = 64
	maxQuestionLen = 1000
	maxAnswerLen   = 6000
)

// htmlStrip removes every HTML element from agent-supplied text and
// escapes what remains, so it embeds safely in our own markup.
var htmlStrip = bluemonday.StrictPolicy()

// formatNotification renders one session update as chat HTML. The body
// carries the uppercased server label, project, the addressable
// identifier, the conversation excerpt, and the reply instruction.
func formatNotification(sess *sessionreg.Session, notifType string) string {
	identifier := sess.Identifier()

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> %s\n", strings.ToUpper(sess.ServerID), clean(sess.Project, maxProjectLen))
	fmt.Fprintf(&b, "Session <code>%s</code>", identifier)
	if notifType == TypeWaiting {
		b.WriteString(" (waiting for input)")
	}
	b.WriteString("\n")

	if q := sess.Metadata.UserQuestion; q != "" {
		fmt.Fprintf(&b, "\nQ: %s\n", htmlStrip.Sanitize(sanitize.Excerpt(q, maxQuestionLen)))
	}
	if a := sess.Metadata.ClaudeResponse; a != "" {
		fmt.Fprintf(&b, "\nA: %s\n", htmlStrip.Sanitize(sanitize.Excerpt(a, maxAnswerLen)))
	}

	fmt.Fprintf(&b, "\nReply: <code>/cmd %s &lt;command&gt;</code>", identifier)
	return b.String()
}

// notificationButtons returns the inline button for the session. The
// callback prefix distinguishes group chats (negative chat ids) from
// personal ones.
func notificationButtons(sess *sessionreg.Session, chatID int64) []chat.Button {
	prefix := "personal"
	if chatID < 0 {
		prefix = "group"
	}
	return []chat.Button{{
		Label: "Reply to " + sess.Identifier(),
		Data:  fmt.Sprintf("%s:%d", prefix, sess.ServerNumber),
	}}
}

func clean(s string, maxLen int) string {
	return htmlStrip.Sanitize(sanitize.Label(s, maxLen))
}
