package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
)

var ErrNotFound = apperr.ErrNotFound

// Cursor pages backwards through a conversation. BeforeID breaks ties on equal timestamps.
type Cursor struct {
	Before   time.Time
	BeforeID string
}

func (c *Cursor) IsZero() bool { return c == nil || c.Before.IsZero() }

type ConversationRepository interface {
	// CreateConversation stores c. For direct conversations an existing row with the
	// same direct key is returned instead and created is false.
	CreateConversation(ctx context.Context, c *domain.Conversation) (conv *domain.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*domain.Conversation, error)
	// RecordMessage moves the last message pointer and bumps unread for everyone but the sender.
	RecordMessage(ctx context.Context, conversationID string, preview *domain.MessagePreview) error
	// RefreshPreview rewrites the pointer when it still points at preview.ID.
	RefreshPreview(ctx context.Context, conversationID string, preview *domain.MessagePreview) error
	// ResetUnread zeroes the counter. changed is false when it was already zero.
	ResetUnread(ctx context.Context, conversationID, userID string, at time.Time) (changed bool, err error)
}

type MessageRepository interface {
	// InsertMessage is idempotent on (conversation, sender, temp id).
	InsertMessage(ctx context.Context, m *domain.Message) (stored *domain.Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// ListMessages returns up to limit messages older than cursor, oldest first.
	ListMessages(ctx context.Context, conversationID string, cursor *Cursor, limit int) ([]*domain.Message, error)
	UpdateMessage(ctx context.Context, m *domain.Message) error
	// MarkMessagesRead stamps read receipts on messages not sent by readerID.
	// read_at is only set where it is still empty.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
}

type NotificationFilter struct {
	UnreadOnly      bool
	Types           []domain.NotificationType
	Priority        domain.Priority
	IncludeArchived bool
	Now             time.Time
	Limit           int
	Offset          int
}

type NotificationPage struct {
	Items       []*domain.Notification
	Total       int64
	UnreadCount int64
}

type NotificationRepository interface {
	InsertNotification(ctx context.Context, n *domain.Notification) error
	// QueryNotifications filters first; Total and UnreadCount cover the filtered set.
	// Limit <= 0 returns every match.
	QueryNotifications(ctx context.Context, userID string, f NotificationFilter) (*NotificationPage, error)
	MarkNotificationRead(ctx context.Context, userID, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int64, error)
	ArchiveNotification(ctx context.Context, userID, id string) error
	DeleteNotification(ctx context.Context, userID, id string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type PreferenceRepository interface {
	GetPreferences(ctx context.Context, userID string) (*domain.NotificationPreferences, error)
	SavePreferences(ctx context.Context, p *domain.NotificationPreferences) error
}

type ContactRepository interface {
	GetContact(ctx context.Context, userID string) (*domain.Contact, error)
}

// Store bundles every repository so main can pick one backend.
type Store interface {
	ConversationRepository
	MessageRepository
	NotificationRepository
	PreferenceRepository
	ContactRepository
}

func containsType(types []domain.NotificationType, t domain.NotificationType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func matchesFilter(n *domain.Notification, f NotificationFilter) bool {
	if n.Expired(f.Now) {
		return false
	}
	if n.IsArchived && !f.IncludeArchived {
		return false
	}
	if f.UnreadOnly && n.IsRead {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, n.Type) {
		return false
	}
	if f.Priority != "" && n.Priority != f.Priority {
		return false
	}
	return true
}
