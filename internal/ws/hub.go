package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const globalChannel = "ws:global"

// relay is what travels between instances on the global channel.
type relay struct {
	Origin    string          `json:"origin"`
	Room      string          `json:"room,omitempty"`
	User      string          `json:"user,omitempty"`
	Except    string          `json:"except,omitempty"`
	Join      []string        `json:"join,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	Frame     json.RawMessage `json:"frame,omitempty"`
}

// Hub manages clients and rooms and connects to Redis for pub/sub.
type Hub struct {
	rooms  map[string]map[*Client]bool
	users  map[string]map[*Client]bool
	mu     sync.RWMutex
	rdb    *redis.Client
	origin string
	logger *zap.SugaredLogger

	// called with the users whose sockets received a new message
	onDelivered func(messageID string, userIDs []string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates the hub. With a Redis client it also joins the cross-instance channel;
// origin must be unique per instance.
func NewHub(rdb *redis.Client, origin string, logger *zap.SugaredLogger) (*Hub, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		rooms:  make(map[string]map[*Client]bool),
		users:  make(map[string]map[*Client]bool),
		rdb:    rdb,
		origin: origin,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if rdb != nil {
		pubsub := rdb.Subscribe(ctx, globalChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			cancel()
			_ = pubsub.Close()
			return nil, err
		}
		h.wg.Add(1)
		go h.subscribeRedis(pubsub)
	}
	return h, nil
}

// subscribeRedis routes frames published by other instances to local sockets.
func (h *Hub) subscribeRedis(pubsub *redis.PubSub) {
	defer h.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				h.logger.Warn("redis subscription closed, exiting subscriber goroutine")
				return
			}
			var r relay
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				continue
			}
			if r.Origin == h.origin {
				continue
			}
			h.applyRelay(&r)
		}
	}
}

func (h *Hub) applyRelay(r *relay) {
	switch {
	case len(r.Join) > 0:
		h.joinLocal(r.Room, r.Join)
	case r.User != "":
		h.deliverUser(r.User, r.Frame)
	case r.Room != "":
		h.deliverRoom(r.Room, r.Frame, r.Except, r.MessageID, r.SenderID)
	}
}

// publishRedis hands r to the other instances. Without Redis it is a no-op.
func (h *Hub) publishRedis(r *relay) {
	if h.rdb == nil {
		return
	}
	r.Origin = h.origin
	if err := h.rdb.Publish(h.ctx, globalChannel, mustJSON(r)).Err(); err != nil {
		h.logger.Warnw("relay publish failed", "error", err)
	}
}

// Register adds the client under its user and reports whether it is the user's first local socket.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.userID]
	if set == nil {
		set = make(map[*Client]bool)
		h.users[c.userID] = set
	}
	set[c] = true
	metrics.Connections.Inc()
	return len(set) == 1
}

// Unregister removes the client everywhere and reports whether the user has no local sockets left.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	set, ok := h.users[c.userID]
	if !ok || !set[c] {
		return false
	}
	delete(set, c)
	metrics.Connections.Dec()
	if len(set) == 0 {
		delete(h.users, c.userID)
		return true
	}
	return false
}

// Join subscribes the client to conversation rooms.
func (h *Hub) Join(c *Client, conversationIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range conversationIDs {
		if h.rooms[id] == nil {
			h.rooms[id] = make(map[*Client]bool)
		}
		h.rooms[id][c] = true
		c.rooms[id] = true
	}
}

func (h *Hub) Leave(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationID)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if conns, ok := h.rooms[room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// JoinUsers puts every socket of the given users into the room, on all instances.
func (h *Hub) JoinUsers(conversationID string, userIDs []string) {
	h.joinLocal(conversationID, userIDs)
	h.publishRedis(&relay{Room: conversationID, Join: userIDs})
}

func (h *Hub) joinLocal(room string, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, uid := range userIDs {
		for c := range h.users[uid] {
			if h.rooms[room] == nil {
				h.rooms[room] = make(map[*Client]bool)
			}
			h.rooms[room][c] = true
			c.rooms[room] = true
		}
	}
}

// Connected reports whether the user has a socket on this instance.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}

// push queues b for c. A client that cannot keep up is disconnected.
func (h *Hub) push(c *Client, b []byte) bool {
	if c.enqueue(b) {
		return true
	}
	metrics.DroppedFrames.Inc()
	h.logger.Warnw("dropping slow websocket client", "user_id", c.userID)
	c.close()
	return false
}

func (h *Hub) roomClients(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliverRoom(room string, b []byte, except, messageID, senderID string) {
	var reached []string
	seen := map[string]bool{}
	for _, c := range h.roomClients(room) {
		if except != "" && c.userID == except {
			continue
		}
		if !h.push(c, b) {
			continue
		}
		if messageID != "" && c.userID != senderID && !seen[c.userID] {
			seen[c.userID] = true
			reached = append(reached, c.userID)
		}
	}
	if len(reached) > 0 && h.onDelivered != nil {
		go h.onDelivered(messageID, reached)
	}
}

func (h *Hub) deliverUser(userID string, b []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.push(c, b)
	}
}

// BroadcastToConversation sends env to every socket in the room except the sockets of except.
func (h *Hub) BroadcastToConversation(conversationID string, env *Envelope, except string) {
	b := mustJSON(env)
	h.deliverRoom(conversationID, b, except, "", "")
	h.publishRedis(&relay{Room: conversationID, Except: except, Frame: b})
}

// broadcastMessage is BroadcastToConversation for a new message: recipients it reaches get receipts.
func (h *Hub) broadcastMessage(conversationID string, env *Envelope, m *domain.Message) {
	b := mustJSON(env)
	h.deliverRoom(conversationID, b, "", m.ID, m.SenderID)
	h.publishRedis(&relay{Room: conversationID, Frame: b, MessageID: m.ID, SenderID: m.SenderID})
}

// SendToUser reaches every socket the user has open, on any instance.
func (h *Hub) SendToUser(userID string, env *Envelope) {
	b := mustJSON(env)
	h.deliverUser(userID, b)
	h.publishRedis(&relay{User: userID, Frame: b})
}

// NotifyUser pushes a stored notification to the user's live sockets.
func (h *Hub) NotifyUser(userID string, n *domain.Notification) {
	h.SendToUser(userID, NewEnvelope(TypeNotification, "", n))
}

// Shutdown closes every socket and stops the Redis subscriber.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.RLock()
	var all []*Client
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
	h.wg.Wait()
}
