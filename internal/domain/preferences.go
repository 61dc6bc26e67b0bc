package domain

import "time"

type ChannelToggles struct {
	InApp bool `bson:"in_app" json:"inApp"`
	Email bool `bson:"email" json:"email"`
	Push  bool `bson:"push" json:"push"`
	SMS   bool `bson:"sms" json:"sms"`
}

func (t ChannelToggles) Enabled(c Channel) bool {
	switch c {
	case ChannelInApp:
		return t.InApp
	case ChannelEmail:
		return t.Email
	case ChannelPush:
		return t.Push
	case ChannelSMS:
		return t.SMS
	}
	return false
}

func (t *ChannelToggles) Set(c Channel, enabled bool) {
	switch c {
	case ChannelInApp:
		t.InApp = enabled
	case ChannelEmail:
		t.Email = enabled
	case ChannelPush:
		t.Push = enabled
	case ChannelSMS:
		t.SMS = enabled
	}
}

type TypePreference struct {
	Enabled  bool      `bson:"enabled" json:"enabled"`
	Channels []Channel `bson:"channels,omitempty" json:"channels,omitempty"`
	Priority Priority  `bson:"priority,omitempty" json:"priority,omitempty"`
}

type QuietHours struct {
	Enabled  bool   `bson:"enabled" json:"enabled"`
	Start    string `bson:"start" json:"start" validate:"omitempty,datetime=15:04"`
	End      string `bson:"end" json:"end" validate:"omitempty,datetime=15:04"`
	Timezone string `bson:"timezone" json:"timezone" validate:"omitempty,timezone"`
}

type DigestFrequency string

const (
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

type DigestSettings struct {
	Enabled   bool            `bson:"enabled" json:"enabled"`
	Frequency DigestFrequency `bson:"frequency" json:"frequency" validate:"omitempty,oneof=daily weekly"`
	Time      string          `bson:"time" json:"time" validate:"omitempty,datetime=15:04"`
}

type NotificationPreferences struct {
	UserID     string                              `bson:"_id" json:"userId"`
	Channels   ChannelToggles                      `bson:"channels" json:"channels"`
	Types      map[NotificationType]TypePreference `bson:"types" json:"types"`
	QuietHours QuietHours                          `bson:"quiet_hours" json:"quietHours"`
	Digest     DigestSettings                      `bson:"digest" json:"digest"`
	UpdatedAt  time.Time                           `bson:"updated_at" json:"updatedAt"`
}

// DefaultPreferences is what a user gets on first access and after a reset.
func DefaultPreferences(userID string, now time.Time) *NotificationPreferences {
	return &NotificationPreferences{
		UserID:   userID,
		Channels: ChannelToggles{InApp: true, Email: true, Push: true, SMS: false},
		Types:    map[NotificationType]TypePreference{},
		QuietHours: QuietHours{
			Enabled:  false,
			Start:    "22:00",
			End:      "08:00",
			Timezone: "UTC",
		},
		Digest: DigestSettings{
			Enabled:   false,
			Frequency: DigestDaily,
			Time:      "09:00",
		},
		UpdatedAt: now,
	}
}

func (p *NotificationPreferences) Clone() *NotificationPreferences {
	cp := *p
	cp.Types = make(map[NotificationType]TypePreference, len(p.Types))
	for k, v := range p.Types {
		v.Channels = append([]Channel(nil), v.Channels...)
		cp.Types[k] = v
	}
	return &cp
}
