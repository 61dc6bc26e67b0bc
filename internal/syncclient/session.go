package syncclient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/fathima-sithara/messaging-service/internal/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay   = 3 * time.Second
	DefaultListPollInterval = 15 * time.Second
	DefaultOpenPollInterval = 3 * time.Second
	DefaultTypingTimeout    = 3 * time.Second
)

type Options struct {
	BaseURL string
	Token   string
	UserID  string

	RequestTimeout   time.Duration
	ReconnectDelay   time.Duration
	ListPollInterval time.Duration
	OpenPollInterval time.Duration
	TypingTimeout    time.Duration
	MatchWindow      time.Duration

	Logger *zap.SugaredLogger
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ListPollInterval <= 0 {
		o.ListPollInterval = DefaultListPollInterval
	}
	if o.OpenPollInterval <= 0 {
		o.OpenPollInterval = DefaultOpenPollInterval
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = DefaultMatchWindow
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
}

type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventMessages      EventKind = "messages"
	EventConversations EventKind = "conversations"
	EventTyping        EventKind = "typing"
	EventPresence      EventKind = "presence"
	EventNotification  EventKind = "notification"
	EventError         EventKind = "error"
)

// Event tells the UI which part of the session state changed.
type Event struct {
	Kind           EventKind
	ConversationID string
	UserID         string
	Notification   *domain.Notification
	Error          *ws.ErrorPayload
}

type openConversation struct {
	stopPoll context.CancelFunc
}

type typingMark struct {
	timer *time.Timer
	gen   uint64
}

// Session keeps the local view of one user's conversations in step with the server.
// Push frames and polling share one merge path, and polling only runs while the
// websocket is down.
type Session struct {
	opts   Options
	api    *API
	logger *zap.SugaredLogger

	mu           sync.Mutex
	timelines    map[string]*Timeline
	list         *ConversationList
	open         map[string]*openConversation
	typing       map[string]map[string]typingMark
	typingGen    uint64
	presence     map[string]PresenceStatus
	transport    *Transport
	stopListPoll context.CancelFunc

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(opts Options) *Session {
	opts.setDefaults()
	return &Session{
		opts:      opts,
		api:       NewAPI(opts.BaseURL, opts.Token, opts.RequestTimeout),
		logger:    opts.Logger,
		timelines: make(map[string]*Timeline),
		list:      &ConversationList{},
		open:      make(map[string]*openConversation),
		typing:    make(map[string]map[string]typingMark),
		presence:  make(map[string]PresenceStatus),
		events:    make(chan Event, 256),
	}
}

func (s *Session) API() *API { return s.api }

// Events delivers change notifications. Events are dropped when nobody drains the channel.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Start loads the conversation list and begins connecting. Polling covers the gap
// until the first connection succeeds.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.startPollingLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return s.RefreshConversations(ctx)
}

// Shutdown stops every loop and timer and closes the socket.
func (s *Session) Shutdown() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	t := s.transport
	s.stopPollingLocked()
	for conv := range s.typing {
		s.clearTypingLocked(conv)
	}
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	s.wg.Wait()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

func (s *Session) run() {
	defer s.wg.Done()
	b := backoff.WithContext(backoff.NewConstantBackOff(s.opts.ReconnectDelay), s.ctx)
	for {
		var t *Transport
		err := backoff.RetryNotify(func() error {
			tr, err := Dial(s.ctx, s.opts.BaseURL, s.opts.Token)
			if err != nil {
				return err
			}
			t = tr
			return nil
		}, b, func(err error, next time.Duration) {
			s.logger.Warnw("websocket connect failed", "error", err, "retry_in", next)
		})
		if err != nil {
			return
		}
		s.connected(t)
		s.readLoop(t)
		s.disconnected(t)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

func (s *Session) connected(t *Transport) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.transport = t
	s.stopPollingLocked()
	rooms := make([]string, 0, len(s.open))
	for id := range s.open {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	for _, id := range rooms {
		if err := t.Send(ws.NewEnvelope(ws.TypeJoinConversation, id, nil)); err != nil {
			s.logger.Warnw("rejoin failed", "conversation_id", id, "error", err)
		}
	}
	s.logger.Infow("websocket connected", "user_id", s.opts.UserID)
	s.emit(Event{Kind: EventConnected})

	// close whatever gap the outage left
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RefreshConversations(s.ctx); err != nil {
			s.logger.Warnw("resync of conversations failed", "error", err)
		}
		for _, id := range rooms {
			if err := s.refreshMessages(s.ctx, id); err != nil {
				s.logger.Warnw("resync of messages failed", "conversation_id", id, "error", err)
			}
		}
	}()
}

func (s *Session) disconnected(t *Transport) {
	_ = t.Close()
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
	}
	if s.ctx.Err() == nil {
		s.startPollingLocked()
	}
	s.mu.Unlock()
	s.logger.Infow("websocket disconnected", "user_id", s.opts.UserID)
	s.emit(Event{Kind: EventDisconnected})
}

func (s *Session) readLoop(t *Transport) {
	for {
		env, err := t.Read()
		if err != nil {
			return
		}
		s.handle(env)
	}
}

// startPollingLocked runs the REST pollers. Callers hold s.mu and know the socket is down.
func (s *Session) startPollingLocked() {
	if s.stopListPoll == nil {
		s.stopListPoll = s.poll(s.opts.ListPollInterval, func(ctx context.Context) error {
			return s.RefreshConversations(ctx)
		})
	}
	for id, oc := range s.open {
		if oc.stopPoll == nil {
			oc.stopPoll = s.pollConversation(id)
		}
	}
}

func (s *Session) stopPollingLocked() {
	if s.stopListPoll != nil {
		s.stopListPoll()
		s.stopListPoll = nil
	}
	for _, oc := range s.open {
		if oc.stopPoll != nil {
			oc.stopPoll()
			oc.stopPoll = nil
		}
	}
}

func (s *Session) pollConversation(id string) context.CancelFunc {
	return s.poll(s.opts.OpenPollInterval, func(ctx context.Context) error {
		return s.refreshMessages(ctx, id)
	})
}

func (s *Session) poll(interval time.Duration, fn func(ctx context.Context) error) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.logger.Debugw("poll failed", "error", err)
				}
			}
		}
	}()
	return cancel
}

func (s *Session) timelineLocked(id string) *Timeline {
	tl, ok := s.timelines[id]
	if !ok {
		tl = NewTimeline(s.opts.MatchWindow)
		s.timelines[id] = tl
	}
	return tl
}

// RefreshConversations replaces the conversation list with the server's.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.list = list
	s.mu.Unlock()
	s.emit(Event{Kind: EventConversations})
	return nil
}

func (s *Session) refreshMessages(ctx context.Context, id string) error {
	msgs, err := s.api.Messages(ctx, id, "", 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.timelineLocked(id).Merge(msgs...)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, ConversationID: id})
	return nil
}

// Conversations returns a copy of the conversation list, most recent activity first.
func (s *Session) Conversations() ConversationList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ConversationList{TotalUnread: s.list.TotalUnread}
	for _, c := range s.list.Conversations {
		cp := *c
		if c.Conversation != nil {
			cp.Conversation = c.Conversation.Clone()
		}
		out.Conversations = append(out.Conversations, &cp)
	}
	return out
}

func (s *Session) Messages(id string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok := s.timelines[id]; ok {
		return tl.Messages()
	}
	return nil
}

func (s *Session) IsOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[id]
	return ok
}

// Open makes a conversation active: it loads the latest page, marks it read and keeps
// it fresh. Opening an already open conversation does nothing, so read marking happens
// once per activation.
func (s *Session) Open(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.open[id]; ok {
		s.mu.Unlock()
		return nil
	}
	oc := &openConversation{}
	s.open[id] = oc
	t := s.transport
	if t == nil && s.ctx != nil {
		oc.stopPoll = s.pollConversation(id)
	}
	s.mu.Unlock()

	if t != nil {
		if err := t.Send(ws.NewEnvelope(ws.TypeJoinConversation, id, nil)); err != nil {
			s.logger.Warnw("join failed", "conversation_id", id, "error", err)
		}
	}
	if err := s.refreshMessages(ctx, id); err != nil {
		s.abandon(id, oc)
		return err
	}
	if err := s.api.MarkRead(ctx, id); err != nil {
		s.abandon(id, oc)
		return err
	}
	s.mu.Lock()
	s.resetUnreadLocked(id)
	participants := s.participantsLocked(id)
	s.mu.Unlock()
	s.emit(Event{Kind: EventConversations, ConversationID: id})

	if len(participants) > 0 {
		st, err := s.api.Presence(ctx, participants)
		if err != nil {
			s.logger.Debugw("presence lookup failed", "conversation_id", id, "error", err)
			return nil
		}
		s.mu.Lock()
		for uid, p := range st {
			s.presence[uid] = p
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventPresence, ConversationID: id})
	}
	return nil
}

// abandon undoes an Open that failed before the read landed, so the next Open
// is a fresh activation. The room join stays; the server joins member rooms anyway.
func (s *Session) abandon(id string, oc *openConversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[id] != oc {
		return
	}
	if oc.stopPoll != nil {
		oc.stopPoll()
	}
	delete(s.open, id)
	s.clearTypingLocked(id)
}

// Close deactivates a conversation and cancels its poller and typing timers.
func (s *Session) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.open[id]
	if !ok {
		return
	}
	if oc.stopPoll != nil {
		oc.stopPoll()
	}
	delete(s.open, id)
	s.clearTypingLocked(id)
}

func (s *Session) summaryLocked(id string) *domain.ConversationSummary {
	for _, c := range s.list.Conversations {
		if c.Conversation != nil && c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Session) resetUnreadLocked(id string) {
	if c := s.summaryLocked(id); c != nil && c.UnreadCount > 0 {
		s.list.TotalUnread -= c.UnreadCount
		if s.list.TotalUnread < 0 {
			s.list.TotalUnread = 0
		}
		c.UnreadCount = 0
	}
}

func (s *Session) participantsLocked(id string) []string {
	c := s.summaryLocked(id)
	if c == nil {
		return nil
	}
	var ids []string
	for _, p := range c.Participants {
		if p.UserID != s.opts.UserID {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Send shows the message immediately and replaces it with the stored copy once the
// server answers. A failed send removes the entry and returns the error.
func (s *Session) Send(ctx context.Context, id, content string, typ domain.MessageType) (*domain.Message, error) {
	tempID := uuid.NewString()
	s.mu.Lock()
	s.timelineLocked(id).AddOptimistic(tempID, s.opts.UserID, content, typ, time.Now().UTC())
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, ConversationID: id})

	m, err := s.api.SendMessage(ctx, id, SendRequest{Content: content, MessageType: typ, TempID: tempID})
	s.mu.Lock()
	if err != nil {
		s.timelineLocked(id).Fail(tempID)
	} else {
		s.timelineLocked(id).Confirm(tempID, m)
		s.bumpLocked(id, m, false)
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, ConversationID: id})
	if err != nil {
		s.logger.Warnw("send failed", "conversation_id", id, "error", err)
		return nil, err
	}
	return m, nil
}

func (s *Session) Edit(ctx context.Context, id, messageID, content string) error {
	m, err := s.api.EditMessage(ctx, id, messageID, content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.timelineLocked(id).Merge(m)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, ConversationID: id})
	return nil
}

func (s *Session) Delete(ctx context.Context, id, messageID string) error {
	m, err := s.api.DeleteMessage(ctx, id, messageID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.timelineLocked(id).Merge(m)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, ConversationID: id})
	return nil
}

// LoadOlder pages further back than the oldest loaded message and returns how many were added.
func (s *Session) LoadOlder(ctx context.Context, id string, limit int) (int, error) {
	s.mu.Lock()
	before := s.timelineLocked(id).Oldest()
	s.mu.Unlock()
	msgs, err := s.api.Messages(ctx, id, before, limit)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	n := s.timelineLocked(id).Merge(msgs...)
	s.mu.Unlock()
	if n > 0 {
		s.emit(Event{Kind: EventMessages, ConversationID: id})
	}
	return n, nil
}

// SetTyping reports the local user's typing state. It is best effort and silent while offline.
func (s *Session) SetTyping(id string, typing bool) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	typ := ws.TypeTypingStop
	if typing {
		typ = ws.TypeTypingStart
	}
	return t.Send(ws.NewEnvelope(typ, id, nil))
}

// Typing lists who is typing in an open conversation.
func (s *Session) Typing(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing[id]))
	for uid := range s.typing[id] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Presence(userID string) (PresenceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// bumpLocked updates the list row of a conversation after a message landed.
func (s *Session) bumpLocked(id string, m *domain.Message, countUnread bool) bool {
	c := s.summaryLocked(id)
	if c == nil {
		return false
	}
	if c.LastMessage != nil && (c.LastMessage.ID == m.ID || m.CreatedAt.Before(c.LastMessage.CreatedAt)) {
		// the list already reflects this message
		return true
	}
	c.LastMessage = m.Preview()
	c.LastActivityAt = m.CreatedAt
	if countUnread {
		c.UnreadCount++
		s.list.TotalUnread++
	}
	sort.SliceStable(s.list.Conversations, func(i, j int) bool {
		return s.list.Conversations[i].LastActivityAt.After(s.list.Conversations[j].LastActivityAt)
	})
	return true
}

func (s *Session) handle(env *ws.Envelope) {
	id := env.ConversationID
	switch env.Type {
	case ws.TypeNewMessage:
		var m domain.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		if m.TempID == "" {
			m.TempID = env.TempID
		}
		s.mu.Lock()
		added := s.timelineLocked(id).Merge(&m) > 0
		_, open := s.open[id]
		known := true
		if added {
			known = s.bumpLocked(id, &m, !open && m.SenderID != s.opts.UserID)
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventMessages, ConversationID: id})
		if added {
			s.emit(Event{Kind: EventConversations, ConversationID: id})
		}
		if !known {
			s.refreshAsync()
		}

	case ws.TypeMessageUpdated, ws.TypeMessageDeleted:
		var m domain.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		s.mu.Lock()
		s.timelineLocked(id).Merge(&m)
		s.mu.Unlock()
		s.emit(Event{Kind: EventMessages, ConversationID: id})

	case ws.TypeMessageDelivered:
		var p ws.DeliveredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.mu.Lock()
		changed := s.timelineLocked(id).ApplyStatus(p.MessageID, domain.StatusDelivered, p.DeliveredAt)
		s.mu.Unlock()
		if changed {
			s.emit(Event{Kind: EventMessages, ConversationID: id})
		}

	case ws.TypeMessageRead:
		var p ws.ReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.mu.Lock()
		if p.UserID == s.opts.UserID {
			// read on another device
			s.resetUnreadLocked(id)
		} else {
			s.timelineLocked(id).MarkReadBy(p.UserID, p.ReadAt)
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventMessages, ConversationID: id})

	case ws.TypeUserTyping, ws.TypeUserStoppedTyping:
		var p ws.UserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == s.opts.UserID {
			return
		}
		s.mu.Lock()
		if env.Type == ws.TypeUserTyping {
			s.markTypingLocked(id, p.UserID)
		} else {
			s.unmarkTypingLocked(id, p.UserID)
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventTyping, ConversationID: id, UserID: p.UserID})

	case ws.TypeUserOnline, ws.TypeUserOffline:
		var p ws.UserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.presence[p.UserID] = PresenceStatus{Online: env.Type == ws.TypeUserOnline, LastSeen: p.LastSeen}
		s.mu.Unlock()
		s.emit(Event{Kind: EventPresence, ConversationID: id, UserID: p.UserID})

	case ws.TypeNotification:
		var n domain.Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return
		}
		s.emit(Event{Kind: EventNotification, Notification: &n})

	case ws.TypeError:
		var p ws.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.logger.Warnw("server error frame", "code", p.Code, "message", p.Message, "conversation_id", id)
		s.emit(Event{Kind: EventError, ConversationID: id, Error: &p})
	}
}

func (s *Session) refreshAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RefreshConversations(s.ctx); err != nil {
			s.logger.Debugw("conversation refresh failed", "error", err)
		}
	}()
}

// markTypingLocked shows userID as typing in an open conversation until the timeout
// or a stop frame, whichever comes last.
func (s *Session) markTypingLocked(id, userID string) {
	if _, ok := s.open[id]; !ok {
		return
	}
	marks, ok := s.typing[id]
	if !ok {
		marks = make(map[string]typingMark)
		s.typing[id] = marks
	}
	if prev, ok := marks[userID]; ok {
		prev.timer.Stop()
	}
	s.typingGen++
	gen := s.typingGen
	marks[userID] = typingMark{
		gen: gen,
		timer: time.AfterFunc(s.opts.TypingTimeout, func() {
			s.mu.Lock()
			cur, ok := s.typing[id][userID]
			if ok && cur.gen == gen {
				delete(s.typing[id], userID)
			}
			s.mu.Unlock()
			if ok && cur.gen == gen {
				s.emit(Event{Kind: EventTyping, ConversationID: id, UserID: userID})
			}
		}),
	}
}

func (s *Session) unmarkTypingLocked(id, userID string) {
	if m, ok := s.typing[id][userID]; ok {
		m.timer.Stop()
		delete(s.typing[id], userID)
	}
}

func (s *Session) clearTypingLocked(id string) {
	for _, m := range s.typing[id] {
		m.timer.Stop()
	}
	delete(s.typing, id)
}
