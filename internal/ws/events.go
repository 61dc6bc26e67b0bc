package ws

import (
	"context"

	"github.com/fathima-sithara/messaging-service/internal/domain"
)

// HandleEvent turns store events into frames for the conversation rooms.
func (h *Handler) HandleEvent(_ context.Context, ev *domain.Event) {
	switch ev.Type {
	case domain.EventMessageCreated:
		if ev.Message == nil {
			return
		}
		env := NewEnvelope(TypeNewMessage, ev.ConversationID, ev.Message)
		env.TempID = ev.Message.TempID
		h.hub.broadcastMessage(ev.ConversationID, env, ev.Message)

	case domain.EventMessageUpdated:
		if ev.Message != nil {
			h.hub.BroadcastToConversation(ev.ConversationID, NewEnvelope(TypeMessageUpdated, ev.ConversationID, ev.Message), "")
		}

	case domain.EventMessageDeleted:
		if ev.Message != nil {
			h.hub.BroadcastToConversation(ev.ConversationID, NewEnvelope(TypeMessageDeleted, ev.ConversationID, ev.Message), "")
		}

	case domain.EventMessageDelivered:
		if ev.Message == nil {
			return
		}
		p := DeliveredPayload{MessageID: ev.Message.ID, UserID: ev.ActorID, DeliveredAt: ev.OccurredAt}
		if ev.Message.DeliveredAt != nil {
			p.DeliveredAt = *ev.Message.DeliveredAt
		}
		h.hub.BroadcastToConversation(ev.ConversationID, NewEnvelope(TypeMessageDelivered, ev.ConversationID, p), "")

	case domain.EventConversationRead:
		h.hub.BroadcastToConversation(ev.ConversationID,
			NewEnvelope(TypeMessageRead, ev.ConversationID, ReadPayload{UserID: ev.ActorID, ReadAt: ev.OccurredAt}), "")

	case domain.EventConversationNew:
		h.hub.JoinUsers(ev.ConversationID, ev.Recipients)
	}
}
