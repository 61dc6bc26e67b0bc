package ws

import (
	"encoding/json"
	"time"
)

// server → client
const (
	TypeNewMessage        = "new_message"
	TypeMessageDelivered  = "message_delivered"
	TypeMessageRead       = "message_read"
	TypeMessageUpdated    = "message_updated"
	TypeMessageDeleted    = "message_deleted"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeNotification      = "notification"
	TypePong              = "pong"
	TypeError             = "error"
)

// client → server
const (
	TypeSendMessage       = "send_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypePing              = "ping"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	TempID         string          `json:"tempId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type SendMessagePayload struct {
	Content     string         `json:"content"`
	MessageType string         `json:"messageType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type UserPayload struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type DeliveredPayload struct {
	MessageID   string    `json:"messageId"`
	UserID      string    `json:"userId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type ReadPayload struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into a frame. A nil payload leaves it empty.
func NewEnvelope(typ, conversationID string, payload any) *Envelope {
	env := &Envelope{Type: typ, ConversationID: conversationID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			env.Payload = b
		}
	}
	return env
}

func errorEnvelope(env *Envelope, code, msg string) *Envelope {
	out := NewEnvelope(TypeError, env.ConversationID, ErrorPayload{Code: code, Message: msg})
	out.TempID = env.TempID
	return out
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
