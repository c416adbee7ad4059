package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// New returns a 20-character nanoid using a lowercase alphanumeric
// alphabet. Used for session and dead-letter message identifiers.
func New() string {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 20)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Token returns an 8-character uppercase-alphanumeric session token.
// Tokens are the short address form users type into the chat, so the
// alphabet is restricted to [A-Z0-9].
func Token() string {
	tok, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", 8)
	if err != nil {
		panic(fmt.Sprintf("generate token: %v", err))
	}
	return tok
}
