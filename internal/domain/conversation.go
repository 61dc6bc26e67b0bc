package domain

import (
	"sort"
	"strings"
	"time"
)

type ConversationType string

const (
	ConversationDirect     ConversationType = "direct"
	ConversationGroup      ConversationType = "group"
	ConversationMentorship ConversationType = "mentorship"
	ConversationSupport    ConversationType = "support"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationMentorship, ConversationSupport:
		return true
	}
	return false
}

type Role string

const (
	RoleMember    Role = "member"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

type Participant struct {
	UserID      string     `bson:"user_id" json:"userId"`
	Role        Role       `bson:"role" json:"role"`
	UnreadCount int64      `bson:"unread_count" json:"unreadCount"`
	Muted       bool       `bson:"muted" json:"muted"`
	JoinedAt    time.Time  `bson:"joined_at" json:"joinedAt"`
	LastReadAt  *time.Time `bson:"last_read_at,omitempty" json:"lastReadAt,omitempty"`

	// derived from the presence tracker, never stored
	Online   bool       `bson:"-" json:"online"`
	LastSeen *time.Time `bson:"-" json:"lastSeen,omitempty"`
	IsTyping bool       `bson:"-" json:"isTyping"`
}

// MessagePreview is the denormalized last message kept on the conversation.
type MessagePreview struct {
	ID        string      `bson:"id" json:"id"`
	SenderID  string      `bson:"sender_id" json:"senderId"`
	Content   string      `bson:"content" json:"content"`
	Type      MessageType `bson:"type" json:"type"`
	IsDeleted bool        `bson:"is_deleted" json:"isDeleted"`
	CreatedAt time.Time   `bson:"created_at" json:"createdAt"`
}

type Conversation struct {
	ID             string           `bson:"_id" json:"id"`
	Type           ConversationType `bson:"type" json:"type"`
	Title          string           `bson:"title,omitempty" json:"title,omitempty"`
	DirectKey      string           `bson:"direct_key,omitempty" json:"-"`
	CreatedBy      string           `bson:"created_by" json:"createdBy"`
	Participants   []Participant    `bson:"participants" json:"participants"`
	LastMessage    *MessagePreview  `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	LastActivityAt time.Time        `bson:"last_activity_at" json:"lastActivityAt"`
	Metadata       map[string]any   `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time        `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

func (c *Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

// Clone returns a deep enough copy for callers that mutate participants.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// DirectKey identifies the unordered pair of users of a direct conversation.
func DirectKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	*Conversation
	UnreadCount int64 `json:"unreadCount"`
}
