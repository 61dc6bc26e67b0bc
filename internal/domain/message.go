package domain

import "time"

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	StatusFailed:    0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Rank orders statuses along sending → sent → delivered → read.
func (s DeliveryStatus) Rank() int { return statusRank[s] }

// Advance returns the later of s and next. Failed is only reachable from sending.
func (s DeliveryStatus) Advance(next DeliveryStatus) DeliveryStatus {
	if next == StatusFailed {
		if s == StatusSending {
			return StatusFailed
		}
		return s
	}
	if s == StatusFailed {
		return s
	}
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

type Message struct {
	ID             string         `bson:"_id" json:"id"`
	TempID         string         `bson:"temp_id,omitempty" json:"tempId,omitempty"`
	ConversationID string         `bson:"conversation_id" json:"conversationId"`
	SenderID       string         `bson:"sender_id" json:"senderId"`
	Content        string         `bson:"content" json:"content"`
	Type           MessageType    `bson:"type" json:"messageType"`
	Metadata       map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Status         DeliveryStatus `bson:"status" json:"status"`
	ReadBy         []string       `bson:"read_by" json:"readBy,omitempty"`
	IsEdited       bool           `bson:"is_edited" json:"isEdited"`
	IsDeleted      bool           `bson:"is_deleted" json:"isDeleted"`
	CreatedAt      time.Time      `bson:"created_at" json:"createdAt"`
	DeliveredAt    *time.Time     `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `bson:"read_at,omitempty" json:"readAt,omitempty"`
	EditedAt       *time.Time     `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
}

// Before reports whether m sorts before o: creation time, then id.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Redacted returns the message as it may be shown to clients. Deleted content never leaves the store.
func (m *Message) Redacted() *Message {
	cp := *m
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	if m.IsDeleted {
		cp.Content = ""
		cp.Metadata = nil
	}
	return &cp
}

func (m *Message) Preview() *MessagePreview {
	r := m.Redacted()
	return &MessagePreview{
		ID:        r.ID,
		SenderID:  r.SenderID,
		Content:   r.Content,
		Type:      r.Type,
		IsDeleted: r.IsDeleted,
		CreatedAt: r.CreatedAt,
	}
}
