// Package transport delivers one-time codes to phones and mailboxes.
package transport

import (
	"context"

	"github.com/signalix/identity/internal/model"
)

// Message is one outbound notification
type Message struct {
	Channel     model.Channel `json:"channel"`
	Destination string        `json:"destination"`
	Body        string        `json:"body"`
}

// Gateway sends a message and reports whether the downstream accepted it.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}
