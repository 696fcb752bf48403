// Package session implements the conversation session engine: per-conversation
// append-only event logs, plus app-, user-, and conversation-scoped state
// merged at read time.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrConversationNotFound is returned by operations that require an existing
// conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Identity addresses a single conversation.
type Identity struct {
	App          string
	User         string
	Conversation string
}

func (id Identity) Validate() error {
	for _, part := range []struct {
		name, value string
	}{
		{"app", id.App},
		{"user", id.User},
		{"conversation", id.Conversation},
	} {
		if part.value == "" {
			return fmt.Errorf("identity: %s is empty", part.name)
		}
		if strings.Contains(part.value, "/") {
			return fmt.Errorf("identity: %s contains '/'", part.name)
		}
	}
	return nil
}

func (id Identity) String() string {
	return id.App + "/" + id.User + "/" + id.Conversation
}

// Author values for events. System events mark lifecycle transitions and
// are excluded from agent history.
const (
	AuthorUser   = "user"
	AuthorAgent  = "agent"
	AuthorSystem = "system"
)

// Event is one entry in a conversation's append-only log.
type Event struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"ts_ms"`
	Text      string `json:"text"`
	Partial   bool   `json:"partial,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewEvent builds an event with a fresh id and the current timestamp. Seq is
// assigned at append time.
func NewEvent(author, text string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Author:    author,
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
	}
}

// StateDelta carries partial state updates for one or more scopes,
// applied as part of an event append.
type StateDelta struct {
	App          map[string]any
	User         map[string]any
	Conversation map[string]any
}

func (d StateDelta) Empty() bool {
	return len(d.App) == 0 && len(d.User) == 0 && len(d.Conversation) == 0
}

// Conversation is the stored metadata for one conversation.
type Conversation struct {
	Identity  Identity
	State     map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// Document paths. The layout mirrors a Firestore-style hierarchy:
//
//	apps/{app}/state
//	apps/{app}/users/{user}/state
//	apps/{app}/users/{user}/conversations/{conv}
//	apps/{app}/users/{user}/conversations/{conv}/events/{event}

func appStatePath(app string) string {
	return "apps/" + app + "/state"
}

func userStatePath(app, user string) string {
	return "apps/" + app + "/users/" + user + "/state"
}

func conversationPath(id Identity) string {
	return "apps/" + id.App + "/users/" + id.User + "/conversations/" + id.Conversation
}

func eventsCollection(id Identity) string {
	return conversationPath(id) + "/events"
}

// ParseConversationPath recovers an Identity from a conversation document
// path. It rejects event documents and state documents.
func ParseConversationPath(path string) (Identity, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 6 || parts[0] != "apps" || parts[2] != "users" || parts[4] != "conversations" {
		return Identity{}, false
	}
	id := Identity{App: parts[1], User: parts[3], Conversation: parts[5]}
	if id.Validate() != nil {
		return Identity{}, false
	}
	return id, true
}
