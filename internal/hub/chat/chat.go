// Package chat abstracts the chat channel the hub talks to. The core
// depends only on the Sender interface and the Update type; the
// Telegram implementation lives behind them so tests can substitute a
// fake channel.
package chat

import "context"

// Notification is one outbound message.
type Notification struct {
	// ChatID overrides the sender's default chat when non-zero.
	ChatID  int64
	Text    string
	Buttons []Button
}

// Button is one inline keyboard button.
type Button struct {
	Label string
	Data  string
}

// Update is one inbound chat event: a text message or a button
// callback.
type Update struct {
	ChatID    int64
	UserID    int64
	MessageID int
	Text      string
	Callback  *Callback
}

// Callback carries a pressed inline button.
type Callback struct {
	ID   string
	Data string
}

// Sender delivers messages to the chat channel.
type Sender interface {
	// Send delivers one notification. Implementations classify
	// non-recoverable API errors as permanent so the retry middleware
	// fails fast on them.
	Send(ctx context.Context, n Notification) error
	// AnswerCallback acknowledges a button press so the chat client
	// stops showing a spinner.
	AnswerCallback(ctx context.Context, callbackID string) error
}
