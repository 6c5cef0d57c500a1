package testutil

import (
	"context"
	"regexp"
	"sync"

	"github.com/signalix/identity/internal/transport"
)

var codePattern = regexp.MustCompile(`\d{4,10}`)

// Gateway records sent messages and can be told to fail
type Gateway struct {
	mu   sync.Mutex
	sent []transport.Message
	err  error
}

// Send records msg unless a failure was configured
func (g *Gateway) Send(_ context.Context, msg transport.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, msg)
	return nil
}

// FailWith makes subsequent sends return err; nil restores delivery
func (g *Gateway) FailWith(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

// Sent returns a copy of the delivered messages
func (g *Gateway) Sent() []transport.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]transport.Message(nil), g.sent...)
}

// LastCode extracts the numeric code from the last message sent to destination
func (g *Gateway) LastCode(destination string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.sent) - 1; i >= 0; i-- {
		if g.sent[i].Destination == destination {
			return codePattern.FindString(g.sent[i].Body)
		}
	}
	return ""
}
