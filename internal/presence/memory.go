package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTracker is process local. Fine for a single instance and for tests.
type MemoryTracker struct {
	mu       sync.RWMutex
	online   map[string]bool
	lastSeen map[string]time.Time
	typing   map[string]map[string]time.Time // conversation -> user -> expires at
	timers   *typingTimers
	now      func() time.Time
}

func NewMemoryTracker(typingTimeout time.Duration) *MemoryTracker {
	return &MemoryTracker{
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
		typing:   make(map[string]map[string]time.Time),
		timers:   newTypingTimers(typingTimeout),
		now:      time.Now,
	}
}

func (m *MemoryTracker) SetOnline(_ context.Context, userID string) error {
	m.mu.Lock()
	m.online[userID] = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) SetOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.online, userID)
	m.lastSeen[userID] = m.now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Presence(_ context.Context, userIDs []string) (map[string]Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(userIDs))
	for _, id := range userIDs {
		st := Status{Online: m.online[id]}
		if ls, ok := m.lastSeen[id]; ok {
			t := ls
			st.LastSeen = &t
		}
		out[id] = st
	}
	return out, nil
}

func (m *MemoryTracker) StartTyping(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	set, ok := m.typing[conversationID]
	if !ok {
		set = make(map[string]time.Time)
		m.typing[conversationID] = set
	}
	set[userID] = m.now().Add(m.timers.timeout)
	m.mu.Unlock()

	m.timers.start(conversationID, userID, func() bool { return m.expireIfDue(conversationID, userID) })
	return nil
}

func (m *MemoryTracker) StopTyping(_ context.Context, conversationID, userID string) error {
	m.timers.stop(conversationID, userID)
	m.remove(conversationID, userID)
	return nil
}

func (m *MemoryTracker) remove(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.typing[conversationID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(m.typing, conversationID)
		}
	}
}

// expireIfDue drops the indicator unless a later start pushed its expiry out.
func (m *MemoryTracker) expireIfDue(conversationID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.typing[conversationID]
	if !ok {
		return false
	}
	exp, ok := set[userID]
	if !ok || m.now().Before(exp) {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(m.typing, conversationID)
	}
	return true
}

func (m *MemoryTracker) Typing(_ context.Context, conversationID, exclude string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := []string{}
	for uid, exp := range m.typing[conversationID] {
		if uid == exclude || !now.Before(exp) {
			continue
		}
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryTracker) OnTypingExpired(fn func(conversationID, userID string)) {
	m.timers.setHook(fn)
}

func (m *MemoryTracker) Close() { m.timers.stopAll() }
