package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventMessageCreated   EventType = "message.created"
	EventMessageUpdated   EventType = "message.updated"
	EventMessageDeleted   EventType = "message.deleted"
	EventMessageDelivered EventType = "message.delivered"
	EventConversationRead EventType = "conversation.read"
	EventConversationNew  EventType = "conversation.created"
)

// Event is what the store emits after a successful write. Consumers are the
// realtime hub and the notification trigger.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id"`
	ActorID        string        `json:"actor_id"`
	Recipients     []string      `json:"recipients,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

func (e *Event) Key() string { return e.ConversationID }

func (e *Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func UnmarshalEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
