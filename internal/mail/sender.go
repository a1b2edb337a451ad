// Package mail delivers account email: login codes and security notices.
package mail

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by senders missing credentials.
var ErrNotConfigured = errors.New("mail: sender not configured")

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}
