// Package agent defines the capability interface the dispatcher invokes to
// produce replies, and its streaming fragment protocol.
package agent

import (
	"context"

	"github.com/dotsetgreg/bolagent/pkg/session"
)

// Message is one turn of prior history handed to the capability.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request carries everything a capability needs for one turn.
type Request struct {
	Identity session.Identity
	History  []Message
	State    map[string]any
	Input    string
}

// Fragment is one streamed piece of the capability's response. Text carries
// incremental reply content; StateDelta, when non-empty, requests scope
// updates that the dispatcher persists with the reply event.
type Fragment struct {
	Text       string
	Done       bool
	StateDelta session.StateDelta
}

// Stream yields fragments until io.EOF. Close releases the underlying
// transport and is safe to call at any point.
type Stream interface {
	Recv(ctx context.Context) (Fragment, error)
	Close() error
}

// Invoker is the agent capability boundary.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Stream, error)
}
