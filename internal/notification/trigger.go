package notification

import (
	"context"
	"unicode/utf8"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"go.uber.org/zap"
)

const previewRunes = 140

// MessageTrigger turns new messages into MESSAGE_RECEIVED notifications.
type MessageTrigger struct {
	engine   *Engine
	presence presence.Tracker
	logger   *zap.SugaredLogger
}

func NewMessageTrigger(engine *Engine, tracker presence.Tracker, logger *zap.SugaredLogger) *MessageTrigger {
	return &MessageTrigger{engine: engine, presence: tracker, logger: logger}
}

func messagePreview(m *domain.Message) string {
	switch {
	case m.IsDeleted:
		return "Message deleted"
	case m.Type == domain.MessageImage && m.Content == "":
		return "Sent a photo"
	case m.Type == domain.MessageFile && m.Content == "":
		return "Sent a file"
	}
	if utf8.RuneCountInString(m.Content) > previewRunes {
		r := []rune(m.Content)
		return string(r[:previewRunes-1]) + "…"
	}
	return m.Content
}

// HandleEvent has the events.Handler signature.
func (t *MessageTrigger) HandleEvent(ctx context.Context, ev *domain.Event) {
	if ev.Type != domain.EventMessageCreated || ev.Message == nil || ev.Message.Type == domain.MessageSystem {
		return
	}
	var online map[string]presence.Status
	if t.presence != nil && len(ev.Recipients) > 0 {
		st, err := t.presence.Presence(ctx, ev.Recipients)
		if err != nil {
			t.logger.Warnf("presence lookup for notifications failed: %v", err)
		}
		online = st
	}

	for _, uid := range ev.Recipients {
		if ev.Conversation != nil {
			if p, ok := ev.Conversation.Participant(uid); ok && p.Muted {
				continue
			}
		}
		payload := Payload{
			UserID: uid,
			Type:   domain.NotifyMessageReceived,
			Title:  "New message",
			Body:   messagePreview(ev.Message),
			Data: map[string]any{
				"conversationId": ev.ConversationID,
				"messageId":      ev.Message.ID,
				"senderId":       ev.Message.SenderID,
			},
			GroupKey: "messages_" + ev.Message.SenderID,
		}
		if ev.Conversation != nil && ev.Conversation.Title != "" {
			payload.Title = "New message in " + ev.Conversation.Title
		}
		if online[uid].Online {
			payload.Channels = []domain.Channel{domain.ChannelInApp}
		}
		if _, err := t.engine.Send(ctx, payload); err != nil {
			t.logger.Errorw("message notification failed", "user_id", uid, "message_id", ev.Message.ID, "error", err)
		}
	}
}
