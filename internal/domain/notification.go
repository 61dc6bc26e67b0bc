package domain

import "time"

type NotificationType string

const (
	NotifyJobMatch            NotificationType = "JOB_MATCH"
	NotifyMessageReceived     NotificationType = "MESSAGE_RECEIVED"
	NotifyInterviewScheduled  NotificationType = "INTERVIEW_SCHEDULED"
	NotifyAchievementUnlocked NotificationType = "ACHIEVEMENT_UNLOCKED"
	NotifyApplicationUpdate   NotificationType = "APPLICATION_UPDATE"
	NotifyMentorshipRequest   NotificationType = "MENTORSHIP_REQUEST"
	NotifyMentorshipReminder  NotificationType = "MENTORSHIP_SESSION_REMINDER"
	NotifyHousingMatch        NotificationType = "HOUSING_MATCH"
	NotifyGrantDeadline       NotificationType = "GRANT_DEADLINE"
	NotifyConnectionRequest   NotificationType = "CONNECTION_REQUEST"
	NotifyModerationNotice    NotificationType = "MODERATION_NOTICE"
	NotifySystemAnnouncement  NotificationType = "SYSTEM_ANNOUNCEMENT"
)

// NotificationTypes lists the closed set of types, in catalog order.
var NotificationTypes = []NotificationType{
	NotifyJobMatch,
	NotifyMessageReceived,
	NotifyInterviewScheduled,
	NotifyAchievementUnlocked,
	NotifyApplicationUpdate,
	NotifyMentorshipRequest,
	NotifyMentorshipReminder,
	NotifyHousingMatch,
	NotifyGrantDeadline,
	NotifyConnectionRequest,
	NotifyModerationNotice,
	NotifySystemAnnouncement,
}

func (t NotificationType) Valid() bool {
	for _, k := range NotificationTypes {
		if k == t {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Channel string

const (
	ChannelInApp Channel = "IN_APP"
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelSMS   Channel = "SMS"
)

var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS}

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

type Notification struct {
	ID         string           `bson:"_id" json:"id"`
	UserID     string           `bson:"user_id" json:"userId"`
	Type       NotificationType `bson:"type" json:"type"`
	Title      string           `bson:"title" json:"title"`
	Body       string           `bson:"body" json:"body"`
	Data       map[string]any   `bson:"data,omitempty" json:"data,omitempty"`
	Priority   Priority         `bson:"priority" json:"priority"`
	Channels   []Channel        `bson:"channels" json:"channels"`
	IsRead     bool             `bson:"is_read" json:"isRead"`
	ReadAt     *time.Time       `bson:"read_at,omitempty" json:"readAt,omitempty"`
	IsArchived bool             `bson:"is_archived" json:"isArchived"`
	GroupKey   string           `bson:"group_key,omitempty" json:"groupKey,omitempty"`
	ExpiresAt  *time.Time       `bson:"expires_at,omitempty" json:"expiresAt,omitempty"`
	CreatedAt  time.Time        `bson:"created_at" json:"createdAt"`
}

func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// EffectiveGroupKey falls back to the id so ungrouped notifications form singleton groups.
func (n *Notification) EffectiveGroupKey() string {
	if n.GroupKey != "" {
		return n.GroupKey
	}
	return n.ID
}

// DeferredDelivery is a channel send held back by quiet hours.
type DeferredDelivery struct {
	ID           string        `json:"id"`
	Notification *Notification `json:"notification"`
	Channel      Channel       `json:"channel"`
	ReleaseAt    time.Time     `json:"releaseAt"`
}

// Contact holds the out-of-band addresses of a user.
type Contact struct {
	UserID       string   `bson:"_id" json:"userId"`
	Name         string   `bson:"name,omitempty" json:"name,omitempty"`
	Email        string   `bson:"email,omitempty" json:"email,omitempty"`
	Phone        string   `bson:"phone,omitempty" json:"phone,omitempty"`
	DeviceTokens []string `bson:"device_tokens,omitempty" json:"deviceTokens,omitempty"`
}
