package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/events"
	"github.com/fathima-sithara/messaging-service/internal/metrics"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxContentLength = 10000
	MaxTitleLength   = 200
	MaxParticipants  = 256
)

type Repository interface {
	repository.ConversationRepository
	repository.MessageRepository
}

type ConversationService struct {
	repo     Repository
	bus      events.Publisher
	presence presence.Tracker
	logger   *zap.SugaredLogger

	locks  *keyedMutex
	clock  func() time.Time
	tsMu   sync.Mutex
	lastTS map[string]time.Time
}

// NewConversationService wires the store. tracker may be nil, in which case presence fields stay empty.
func NewConversationService(repo Repository, bus events.Publisher, tracker presence.Tracker, logger *zap.SugaredLogger) *ConversationService {
	return &ConversationService{
		repo:     repo,
		bus:      bus,
		presence: tracker,
		logger:   logger,
		locks:    newKeyedMutex(),
		clock:    time.Now,
		lastTS:   make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (s *ConversationService) SetClock(fn func() time.Time) { s.clock = fn }

func (s *ConversationService) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// nextTimestamp hands out strictly increasing millisecond timestamps per conversation.
// Caller holds the conversation lock.
func (s *ConversationService) nextTimestamp(c *domain.Conversation) time.Time {
	ts := s.now()
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	last := s.lastTS[c.ID]
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(last) {
		last = c.LastMessage.CreatedAt
	}
	if !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}
	s.lastTS[c.ID] = ts
	return ts
}

func (s *ConversationService) emit(ctx context.Context, ev *domain.Event) {
	if s.bus == nil {
		return
	}
	ev.OccurredAt = s.now()
	if err := s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warnw("publish event failed", "type", ev.Type, "conversation_id", ev.ConversationID, "error", err)
	}
}

type CreateConversationInput struct {
	CreatorID      string
	ParticipantIDs []string
	Type           domain.ConversationType
	Title          string
	Metadata       map[string]any
}

// CreateConversation returns created=false when a direct conversation between the pair already exists.
func (s *ConversationService) CreateConversation(ctx context.Context, in CreateConversationInput) (*domain.Conversation, bool, error) {
	if in.CreatorID == "" {
		return nil, false, apperr.ErrUnauthorized
	}
	if in.Type == "" {
		in.Type = domain.ConversationDirect
	}
	if !in.Type.Valid() {
		return nil, false, apperr.Validation("unknown conversation type %q", in.Type)
	}
	in.Title = strings.TrimSpace(in.Title)
	if utf8.RuneCountInString(in.Title) > MaxTitleLength {
		return nil, false, apperr.Validation("title longer than %d characters", MaxTitleLength)
	}

	seen := map[string]bool{in.CreatorID: true}
	others := make([]string, 0, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}
	switch {
	case in.Type == domain.ConversationDirect && len(others) != 1:
		return nil, false, apperr.Validation("direct conversation needs exactly one other participant")
	case len(others) == 0:
		return nil, false, apperr.Validation("at least one other participant is required")
	case len(others)+1 > MaxParticipants:
		return nil, false, apperr.Validation("at most %d participants", MaxParticipants)
	}

	now := s.now()
	creatorRole := domain.RoleAdmin
	if in.Type == domain.ConversationDirect {
		creatorRole = domain.RoleMember
	}
	conv := &domain.Conversation{
		ID:             uuid.NewString(),
		Type:           in.Type,
		Title:          in.Title,
		CreatedBy:      in.CreatorID,
		LastActivityAt: now,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		Participants:   []domain.Participant{{UserID: in.CreatorID, Role: creatorRole, JoinedAt: now}},
	}
	for _, id := range others {
		conv.Participants = append(conv.Participants, domain.Participant{UserID: id, Role: domain.RoleMember, JoinedAt: now})
	}
	if in.Type == domain.ConversationDirect {
		conv.DirectKey = domain.DirectKey(in.CreatorID, others[0])
	}

	stored, created, err := s.repo.CreateConversation(ctx, conv)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.emit(ctx, &domain.Event{
			Type:           domain.EventConversationNew,
			ConversationID: stored.ID,
			ActorID:        in.CreatorID,
			Recipients:     stored.ParticipantIDs(),
			Conversation:   stored,
		})
	}
	s.fillPresence(ctx, stored)
	return stored, created, nil
}

// member loads the conversation and hides it from non-participants.
func (s *ConversationService) member(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	c, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("conversation %s", conversationID)
		}
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.NotFound("conversation %s", conversationID)
	}
	return c, nil
}

func (s *ConversationService) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return c.HasParticipant(userID), nil
}

func (s *ConversationService) GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	c, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	s.fillPresence(ctx, c)
	s.fillTyping(ctx, c, userID)
	return c, nil
}

// ListConversations returns the caller's conversations, most recent activity first, and the unread total.
func (s *ConversationService) ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, int64, error) {
	convs, err := s.repo.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	out := make([]*domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s.fillPresence(ctx, c)
		s.fillTyping(ctx, c, userID)
		var unread int64
		if p, ok := c.Participant(userID); ok {
			unread = p.UnreadCount
		}
		total += unread
		out = append(out, &domain.ConversationSummary{Conversation: c, UnreadCount: unread})
	}
	return out, total, nil
}

// ConversationIDs lists the ids of every conversation userID belongs to.
func (s *ConversationService) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.repo.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *ConversationService) fillPresence(ctx context.Context, c *domain.Conversation) {
	if s.presence == nil {
		return
	}
	st, err := s.presence.Presence(ctx, c.ParticipantIDs())
	if err != nil {
		s.logger.Warnf("presence lookup failed conversation=%s: %v", c.ID, err)
		return
	}
	for i := range c.Participants {
		p := &c.Participants[i]
		if v, ok := st[p.UserID]; ok {
			p.Online = v.Online
			p.LastSeen = v.LastSeen
		}
	}
}

func (s *ConversationService) fillTyping(ctx context.Context, c *domain.Conversation, viewer string) {
	if s.presence == nil {
		return
	}
	typing, err := s.presence.Typing(ctx, c.ID, viewer)
	if err != nil {
		return
	}
	for _, uid := range typing {
		if p, ok := c.Participant(uid); ok {
			p.IsTyping = true
		}
	}
}

// GetMessages pages backwards from before and returns the page oldest first.
func (s *ConversationService) GetMessages(ctx context.Context, conversationID, userID, before string, limit int) ([]*domain.Message, error) {
	if _, err := s.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	cursor, err := s.resolveCursor(ctx, conversationID, before)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, cursor, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Redacted())
	}
	return out, nil
}

type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           domain.MessageType
	TempID         string
	Metadata       map[string]any
}

func validateContent(t domain.MessageType, content string, metadata map[string]any) error {
	if !t.Valid() {
		return apperr.Validation("unknown message type %q", t)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperr.Validation("content longer than %d characters", MaxContentLength)
	}
	if strings.TrimSpace(content) == "" && (t == domain.MessageText || t == domain.MessageSystem || len(metadata) == 0) {
		return apperr.Validation("content is required")
	}
	return nil
}

// AppendMessage stores a message. A repeated temp id from the same sender returns the stored
// message and emits nothing.
func (s *ConversationService) AppendMessage(ctx context.Context, in AppendInput) (*domain.Message, error) {
	m, _, err := s.Append(ctx, in)
	return m, err
}

// Append is AppendMessage that also reports whether the message is new. A false
// created means in.TempID matched an earlier send and the stored copy is returned.
func (s *ConversationService) Append(ctx context.Context, in AppendInput) (*domain.Message, bool, error) {
	if in.Type == "" {
		in.Type = domain.MessageText
	}
	if err := validateContent(in.Type, in.Content, in.Metadata); err != nil {
		return nil, false, err
	}

	unlock := s.locks.Lock(in.ConversationID)
	defer unlock()

	c, err := s.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, apperr.NotFound("conversation %s", in.ConversationID)
		}
		return nil, false, err
	}
	if !c.HasParticipant(in.SenderID) {
		return nil, false, apperr.Forbidden("not a participant of conversation %s", in.ConversationID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	m := &domain.Message{
		ID:             id.String(),
		TempID:         in.TempID,
		ConversationID: c.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		Metadata:       in.Metadata,
		Status:         domain.StatusSent,
		ReadBy:         []string{},
		CreatedAt:      s.nextTimestamp(c),
	}
	stored, created, err := s.repo.InsertMessage(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return stored.Redacted(), false, nil
	}
	if err := s.repo.RecordMessage(ctx, c.ID, stored.Preview()); err != nil {
		return nil, false, err
	}
	metrics.MessagesAppended.Inc()

	recipients := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != in.SenderID {
			recipients = append(recipients, p.UserID)
		}
	}
	s.emit(ctx, &domain.Event{
		Type:           domain.EventMessageCreated,
		ConversationID: c.ID,
		ActorID:        in.SenderID,
		Recipients:     recipients,
		Message:        stored.Redacted(),
		Conversation:   c,
	})
	return stored.Redacted(), true, nil
}

// MarkRead clears the caller's unread counter and stamps read receipts. It reports whether anything changed.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	at := s.now()
	reset, err := s.repo.ResetUnread(ctx, conversationID, userID, at)
	if err != nil {
		return false, err
	}
	n, err := s.repo.MarkMessagesRead(ctx, conversationID, userID, at)
	if err != nil {
		return false, err
	}
	changed := reset || n > 0
	if changed {
		s.emit(ctx, &domain.Event{
			Type:           domain.EventConversationRead,
			ConversationID: conversationID,
			ActorID:        userID,
			Recipients:     c.ParticipantIDs(),
		})
	}
	return changed, nil
}

// MarkDelivered stamps delivered_at the first time a recipient socket receives the message.
func (s *ConversationService) MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if m.SenderID == recipientID {
		return false, nil
	}
	changed, err := s.repo.MarkDelivered(ctx, messageID, s.now())
	if err != nil || !changed {
		return false, err
	}
	m, err = s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return true, err
	}
	s.emit(ctx, &domain.Event{
		Type:           domain.EventMessageDelivered,
		ConversationID: m.ConversationID,
		ActorID:        recipientID,
		Message:        m.Redacted(),
	})
	return true, nil
}

// ownMessage loads a message of the conversation that userID sent.
func (s *ConversationService) ownMessage(ctx context.Context, conversationID, messageID, userID string) (*domain.Conversation, *domain.Message, error) {
	c, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperr.NotFound("message %s", messageID)
		}
		return nil, nil, err
	}
	if m.ConversationID != conversationID {
		return nil, nil, apperr.NotFound("message %s", messageID)
	}
	if m.SenderID != userID {
		return nil, nil, apperr.Forbidden("only the sender can change message %s", messageID)
	}
	return c, m, nil
}

func (s *ConversationService) EditMessage(ctx context.Context, conversationID, messageID, userID, content string) (*domain.Message, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	c, m, err := s.ownMessage(ctx, conversationID, messageID, userID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, apperr.Validation("deleted messages cannot be edited")
	}
	if err := validateContent(m.Type, content, m.Metadata); err != nil {
		return nil, err
	}
	at := s.now()
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &at
	if err := s.repo.UpdateMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := s.repo.RefreshPreview(ctx, c.ID, m.Preview()); err != nil {
		return nil, err
	}
	s.emit(ctx, &domain.Event{
		Type:           domain.EventMessageUpdated,
		ConversationID: c.ID,
		ActorID:        userID,
		Recipients:     c.ParticipantIDs(),
		Message:        m.Redacted(),
	})
	return m.Redacted(), nil
}

// DeleteMessage clears the content and keeps a tombstone. Deleting twice returns the tombstone.
func (s *ConversationService) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) (*domain.Message, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	c, m, err := s.ownMessage(ctx, conversationID, messageID, userID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return m.Redacted(), nil
	}
	at := s.now()
	m.IsDeleted = true
	m.DeletedAt = &at
	m.Content = ""
	m.Metadata = nil
	if err := s.repo.UpdateMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := s.repo.RefreshPreview(ctx, c.ID, m.Preview()); err != nil {
		return nil, err
	}
	s.emit(ctx, &domain.Event{
		Type:           domain.EventMessageDeleted,
		ConversationID: c.ID,
		ActorID:        userID,
		Recipients:     c.ParticipantIDs(),
		Message:        m.Redacted(),
	})
	return m.Redacted(), nil
}
