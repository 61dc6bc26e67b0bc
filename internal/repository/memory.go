package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
)

// MemoryStore keeps everything in process. Used by tests and storage.driver=memory.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	directKeys    map[string]string
	messages      map[string]*domain.Message
	byConv        map[string][]*domain.Message
	tempIDs       map[string]string
	notifications map[string]*domain.Notification
	prefs         map[string]*domain.NotificationPreferences
	contacts      map[string]*domain.Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		directKeys:    make(map[string]string),
		messages:      make(map[string]*domain.Message),
		byConv:        make(map[string][]*domain.Message),
		tempIDs:       make(map[string]string),
		notifications: make(map[string]*domain.Notification),
		prefs:         make(map[string]*domain.NotificationPreferences),
		contacts:      make(map[string]*domain.Contact),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.DirectKey != "" {
		if id, ok := s.directKeys[c.DirectKey]; ok {
			return s.conversations[id].Clone(), false, nil
		}
		s.directKeys[c.DirectKey] = c.ID
	}
	s.conversations[c.ID] = c.Clone()
	return c.Clone(), true, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConversationsForUser(_ context.Context, userID string) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.Conversation{}
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) RecordMessage(_ context.Context, conversationID string, preview *domain.MessagePreview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	p := *preview
	c.LastMessage = &p
	c.LastActivityAt = preview.CreatedAt
	c.UpdatedAt = preview.CreatedAt
	for i := range c.Participants {
		if c.Participants[i].UserID != preview.SenderID {
			c.Participants[i].UnreadCount++
		}
	}
	return nil
}

func (s *MemoryStore) RefreshPreview(_ context.Context, conversationID string, preview *domain.MessagePreview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.LastMessage != nil && c.LastMessage.ID == preview.ID {
		p := *preview
		c.LastMessage = &p
	}
	return nil
}

func (s *MemoryStore) ResetUnread(_ context.Context, conversationID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	p, ok := c.Participant(userID)
	if !ok {
		return false, ErrNotFound
	}
	if p.UnreadCount == 0 {
		return false, nil
	}
	p.UnreadCount = 0
	t := at
	p.LastReadAt = &t
	return true, nil
}

func tempKey(m *domain.Message) string {
	return m.ConversationID + "|" + m.SenderID + "|" + m.TempID
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *domain.Message) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.TempID != "" {
		if id, ok := s.tempIDs[tempKey(m)]; ok {
			return copyMessage(s.messages[id]), false, nil
		}
		s.tempIDs[tempKey(m)] = m.ID
	}
	cp := copyMessage(m)
	s.messages[m.ID] = cp
	list := append(s.byConv[m.ConversationID], cp)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
	s.byConv[m.ConversationID] = list
	return copyMessage(cp), true, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, cursor *Cursor, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	end := len(list)
	if !cursor.IsZero() {
		end = sort.Search(len(list), func(i int) bool {
			m := list[i]
			if m.CreatedAt.Equal(cursor.Before) {
				return cursor.BeforeID == "" || m.ID >= cursor.BeforeID
			}
			return m.CreatedAt.After(cursor.Before)
		})
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]*domain.Message, 0, end-start)
	for _, m := range list[start:end] {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[m.ID]
	if !ok {
		return ErrNotFound
	}
	*cur = *copyMessage(m)
	return nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.byConv[conversationID] {
		if m.SenderID == readerID || contains(m.ReadBy, readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		if m.ReadAt == nil {
			t := at
			m.ReadAt = &t
		}
		m.Status = domain.StatusRead
		n++
	}
	return n, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.DeliveredAt != nil {
		return false, nil
	}
	t := at
	m.DeliveredAt = &t
	m.Status = m.Status.Advance(domain.StatusDelivered)
	return true, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) QueryNotifications(_ context.Context, userID string, f NotificationFilter) (*NotificationPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := []*domain.Notification{}
	page := &NotificationPage{}
	for _, n := range s.notifications {
		if n.UserID != userID || !matchesFilter(n, f) {
			continue
		}
		cp := *n
		matched = append(matched, &cp)
		if !n.IsRead {
			page.UnreadCount++
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	page.Total = int64(len(matched))
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	page.Items = matched[start:end]
	return page, nil
}

func (s *MemoryStore) owned(userID, id string) (*domain.Notification, error) {
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, userID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.owned(userID, id)
	if err != nil {
		return err
	}
	if !n.IsRead {
		t := at
		n.IsRead = true
		n.ReadAt = &t
	}
	return nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			t := at
			n.IsRead = true
			n.ReadAt = &t
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ArchiveNotification(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.owned(userID, id)
	if err != nil {
		return err
	}
	n.IsArchived = true
	return nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(userID, id); err != nil {
		return err
	}
	delete(s.notifications, id)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, n := range s.notifications {
		if n.Expired(now) {
			delete(s.notifications, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetPreferences(_ context.Context, userID string) (*domain.NotificationPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SavePreferences(_ context.Context, p *domain.NotificationPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, userID string) (*domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// PutContact seeds a contact. The user directory itself lives outside this service.
func (s *MemoryStore) PutContact(c *domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.UserID] = &cp
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	return &cp
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
