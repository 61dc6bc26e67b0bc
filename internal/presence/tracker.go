package presence

import (
	"context"
	"time"
)

// DefaultTypingTimeout clears a typing indicator that never got a stop event.
const DefaultTypingTimeout = 3 * time.Second

type Status struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Tracker holds ephemeral presence and typing state. Nothing here is message history.
type Tracker interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Presence(ctx context.Context, userIDs []string) (map[string]Status, error)

	StartTyping(ctx context.Context, conversationID, userID string) error
	StopTyping(ctx context.Context, conversationID, userID string) error
	// Typing lists users typing in the conversation, minus exclude.
	Typing(ctx context.Context, conversationID, exclude string) ([]string, error)
	// OnTypingExpired registers a callback fired when an indicator times out.
	OnTypingExpired(fn func(conversationID, userID string))

	Close()
}
