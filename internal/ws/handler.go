package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/config"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/fathima-sithara/messaging-service/internal/service"
	"go.uber.org/zap"
)

type Options struct {
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	OfflineGrace      time.Duration
	MessagesPerSecond int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      25 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    64 * 1024,
		OfflineGrace:      5 * time.Second,
		MessagesPerSecond: 20,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PingInterval:      cfg.PingInterval,
		PongWait:          cfg.PongWait,
		WriteWait:         cfg.WriteDeadline,
		MaxMessageSize:    cfg.WS.MaxMessageSizeBytes,
		OfflineGrace:      cfg.OfflineGrace,
		MessagesPerSecond: cfg.WS.MessagesPerSecond,
	}
}

const opTimeout = 5 * time.Second

// Handler runs socket lifecycles: presence on connect and disconnect, and
// dispatch of client frames to the conversation service.
type Handler struct {
	hub     *Hub
	convs   *service.ConversationService
	tracker presence.Tracker
	opts    Options
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	offline map[string]*time.Timer
}

func NewHandler(hub *Hub, convs *service.ConversationService, tracker presence.Tracker, opts Options, logger *zap.SugaredLogger) *Handler {
	h := &Handler{
		hub:     hub,
		convs:   convs,
		tracker: tracker,
		opts:    opts,
		logger:  logger,
		offline: make(map[string]*time.Timer),
	}
	hub.onDelivered = h.markDelivered
	tracker.OnTypingExpired(h.typingExpired)
	return h
}

// Serve blocks for the lifetime of the connection.
func (h *Handler) Serve(conn Conn, userID string) {
	c := newClient(conn, userID, h.opts)
	h.connect(c)
	go c.writePump()
	c.readPump(h.handle)
	h.disconnect(c)
}

func (h *Handler) connect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	first := h.hub.Register(c)
	ids, err := h.convs.ConversationIDs(ctx, c.userID)
	if err != nil {
		h.logger.Errorw("load conversations for socket", "user_id", c.userID, "error", err)
	}
	h.hub.Join(c, ids...)
	if !first {
		return
	}

	h.mu.Lock()
	t, pending := h.offline[c.userID]
	if pending {
		t.Stop()
		delete(h.offline, c.userID)
	}
	h.mu.Unlock()

	if err := h.tracker.SetOnline(ctx, c.userID); err != nil {
		h.logger.Warnw("set online failed", "user_id", c.userID, "error", err)
	}
	// a reconnect inside the grace period never looked offline to anyone
	if pending {
		return
	}
	for _, id := range ids {
		h.hub.BroadcastToConversation(id, NewEnvelope(TypeUserOnline, id, UserPayload{UserID: c.userID}), c.userID)
	}
}

func (h *Handler) disconnect(c *Client) {
	c.close()
	for _, conv := range c.typingIn() {
		h.stopTyping(conv, c.userID)
	}
	if !h.hub.Unregister(c) {
		return
	}
	userID := c.userID
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.offline[userID]; ok {
		t.Stop()
	}
	h.offline[userID] = time.AfterFunc(h.opts.OfflineGrace, func() { h.goOffline(userID) })
}

func (h *Handler) goOffline(userID string) {
	h.mu.Lock()
	delete(h.offline, userID)
	h.mu.Unlock()
	if h.hub.Connected(userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := h.tracker.SetOffline(ctx, userID); err != nil {
		h.logger.Warnw("set offline failed", "user_id", userID, "error", err)
	}
	var lastSeen *time.Time
	if st, err := h.tracker.Presence(ctx, []string{userID}); err == nil {
		lastSeen = st[userID].LastSeen
	}
	ids, err := h.convs.ConversationIDs(ctx, userID)
	if err != nil {
		h.logger.Errorw("load conversations for offline broadcast", "user_id", userID, "error", err)
		return
	}
	for _, id := range ids {
		h.hub.BroadcastToConversation(id, NewEnvelope(TypeUserOffline, id, UserPayload{UserID: userID, LastSeen: lastSeen}), userID)
	}
}

// Close stops pending offline timers. Sockets are closed by Hub.Shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.offline {
		t.Stop()
		delete(h.offline, id)
	}
}

func (h *Handler) handle(c *Client, env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch env.Type {
	case TypePing:
		c.reply(&Envelope{Type: TypePong})

	case TypeSendMessage:
		h.sendMessage(ctx, c, env)

	case TypeTypingStart:
		if !h.allowed(ctx, c, env) {
			return
		}
		if err := h.tracker.StartTyping(ctx, env.ConversationID, c.userID); err != nil {
			h.logger.Warnw("start typing failed", "user_id", c.userID, "error", err)
			return
		}
		if c.markTyping(env.ConversationID, true) {
			h.hub.BroadcastToConversation(env.ConversationID,
				NewEnvelope(TypeUserTyping, env.ConversationID, UserPayload{UserID: c.userID}), c.userID)
		}

	case TypeTypingStop:
		if env.ConversationID == "" {
			return
		}
		c.markTyping(env.ConversationID, false)
		h.stopTyping(env.ConversationID, c.userID)

	case TypeJoinConversation:
		if h.allowed(ctx, c, env) {
			h.hub.Join(c, env.ConversationID)
		}

	case TypeLeaveConversation:
		if env.ConversationID != "" {
			h.hub.Leave(c, env.ConversationID)
		}

	default:
		c.reply(errorEnvelope(env, "unknown_type", "unknown frame type "+env.Type))
	}
}

// allowed replies with an error frame unless the user is in the conversation.
func (h *Handler) allowed(ctx context.Context, c *Client, env *Envelope) bool {
	if env.ConversationID == "" {
		c.reply(errorEnvelope(env, "validation", "conversationId is required"))
		return false
	}
	ok, err := h.convs.IsParticipant(ctx, env.ConversationID, c.userID)
	if err != nil {
		c.reply(errorEnvelope(env, "internal", "could not check membership"))
		return false
	}
	if !ok {
		c.reply(errorEnvelope(env, "not_found", "conversation not found"))
		return false
	}
	return true
}

func (h *Handler) sendMessage(ctx context.Context, c *Client, env *Envelope) {
	var p SendMessagePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(errorEnvelope(env, "validation", "malformed payload"))
			return
		}
	}
	msgType := domain.MessageType(p.MessageType)
	if msgType == "" {
		msgType = domain.MessageText
	}
	m, created, err := h.convs.Append(ctx, service.AppendInput{
		ConversationID: env.ConversationID,
		SenderID:       c.userID,
		Content:        p.Content,
		Type:           msgType,
		TempID:         env.TempID,
		Metadata:       p.Metadata,
	})
	if err != nil {
		c.reply(errorEnvelope(env, errorCode(err), apperr.Message(err)))
		return
	}
	if !created {
		// a retry whose first echo was lost, possibly with an earlier socket
		ack := NewEnvelope(TypeNewMessage, env.ConversationID, m)
		ack.TempID = env.TempID
		c.reply(ack)
	}
	if c.markTyping(env.ConversationID, false) {
		h.stopTyping(env.ConversationID, c.userID)
	}
}

func (h *Handler) stopTyping(conversationID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := h.tracker.StopTyping(ctx, conversationID, userID); err != nil {
		h.logger.Warnw("stop typing failed", "user_id", userID, "error", err)
	}
	h.hub.BroadcastToConversation(conversationID,
		NewEnvelope(TypeUserStoppedTyping, conversationID, UserPayload{UserID: userID}), userID)
}

func (h *Handler) typingExpired(conversationID, userID string) {
	h.hub.mu.RLock()
	var sockets []*Client
	for c := range h.hub.users[userID] {
		sockets = append(sockets, c)
	}
	h.hub.mu.RUnlock()
	for _, c := range sockets {
		c.markTyping(conversationID, false)
	}
	h.hub.BroadcastToConversation(conversationID,
		NewEnvelope(TypeUserStoppedTyping, conversationID, UserPayload{UserID: userID}), userID)
}

func (h *Handler) markDelivered(messageID string, userIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, uid := range userIDs {
		if _, err := h.convs.MarkDelivered(ctx, messageID, uid); err != nil {
			h.logger.Warnw("mark delivered failed", "message_id", messageID, "user_id", uid, "error", err)
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperr.ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
