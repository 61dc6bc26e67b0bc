package syncclient

import (
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
)

// DefaultMatchWindow bounds the sender+content fallback used when a pushed copy carries no tempId.
const DefaultMatchWindow = 30 * time.Second

// Entry is one row of a timeline. Pending entries are optimistic sends not yet acknowledged.
type Entry struct {
	Message domain.Message
	Pending bool
	LocalAt time.Time
}

// Timeline is the ordered, deduplicated message list of one conversation.
// It is not safe for concurrent use; Session serializes access.
type Timeline struct {
	entries []*Entry
	window  time.Duration
}

func NewTimeline(window time.Duration) *Timeline {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Timeline{window: window}
}

func (t *Timeline) Len() int { return len(t.entries) }

// Messages returns a copy of the timeline in display order.
func (t *Timeline) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Message)
	}
	return out
}

func (t *Timeline) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range t.entries {
		if !e.Pending && e.Message.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) pendingByTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.Pending && e.Message.TempID == tempID {
			return i
		}
	}
	return -1
}

// pendingLike finds an optimistic entry that is plausibly the same message as m.
func (t *Timeline) pendingLike(m *domain.Message) int {
	for i, e := range t.entries {
		if !e.Pending || e.Message.SenderID != m.SenderID || e.Message.Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(e.LocalAt)
		if d < 0 {
			d = -d
		}
		if d <= t.window {
			return i
		}
	}
	return -1
}

// AddOptimistic appends a sending entry for a message the user just submitted.
func (t *Timeline) AddOptimistic(tempID, senderID, content string, typ domain.MessageType, now time.Time) domain.Message {
	if typ == "" {
		typ = domain.MessageText
	}
	e := &Entry{
		Message: domain.Message{
			TempID:    tempID,
			SenderID:  senderID,
			Content:   content,
			Type:      typ,
			Status:    domain.StatusSending,
			CreatedAt: now,
		},
		Pending: true,
		LocalAt: now,
	}
	t.entries = append(t.entries, e)
	return e.Message
}

// Confirm swaps the optimistic entry for the stored message without moving it.
// It reports whether anything changed.
func (t *Timeline) Confirm(tempID string, m *domain.Message) bool {
	pi := t.pendingByTempID(tempID)
	if pi < 0 {
		return t.merge(m)
	}
	if ei := t.indexByID(m.ID); ei >= 0 {
		// the pushed copy got here first through the content fallback
		absorb(&t.entries[ei].Message, m)
		t.remove(pi)
		return true
	}
	t.replace(pi, m)
	return true
}

// Fail drops the optimistic entry of a send that did not make it.
func (t *Timeline) Fail(tempID string) bool {
	i := t.pendingByTempID(tempID)
	if i < 0 {
		return false
	}
	t.remove(i)
	return true
}

// Merge folds in messages from a push event or a REST fetch and returns how many rows were added.
// Merging the same message twice is a no-op.
func (t *Timeline) Merge(msgs ...*domain.Message) int {
	added := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		before := len(t.entries)
		t.merge(m)
		if len(t.entries) > before {
			added++
		}
	}
	return added
}

func (t *Timeline) merge(m *domain.Message) bool {
	if i := t.indexByID(m.ID); i >= 0 {
		return absorb(&t.entries[i].Message, m)
	}
	if i := t.pendingByTempID(m.TempID); i >= 0 {
		t.replace(i, m)
		return true
	}
	// content matching is only for copies that lost their temp id on the way
	if m.TempID == "" {
		if i := t.pendingLike(m); i >= 0 {
			t.replace(i, m)
			return true
		}
	}
	t.insert(m)
	return true
}

func (t *Timeline) replace(i int, m *domain.Message) {
	cp := *m
	if cp.Status == "" || cp.Status == domain.StatusSending {
		cp.Status = domain.StatusSent
	}
	t.entries[i].Message = cp
	t.entries[i].Pending = false
}

func (t *Timeline) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// insert places m among confirmed entries by (createdAt, id). Pending entries stay at the tail.
func (t *Timeline) insert(m *domain.Message) {
	cp := *m
	if cp.Status == "" {
		cp.Status = domain.StatusSent
	}
	pos, lastConfirmed := -1, -1
	for i, e := range t.entries {
		if e.Pending {
			continue
		}
		if cp.Before(&e.Message) {
			pos = i
			break
		}
		lastConfirmed = i
	}
	if pos < 0 {
		pos = lastConfirmed + 1
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = &Entry{Message: cp}
}

// absorb applies a newer view of the same message. Status never regresses and a
// deletion tombstone is final.
func absorb(dst *domain.Message, src *domain.Message) bool {
	changed := false
	if next := dst.Status.Advance(src.Status); next != dst.Status {
		dst.Status = next
		changed = true
	}
	if dst.DeliveredAt == nil && src.DeliveredAt != nil {
		dst.DeliveredAt = src.DeliveredAt
		changed = true
	}
	if dst.ReadAt == nil && src.ReadAt != nil {
		dst.ReadAt = src.ReadAt
		changed = true
	}
	if len(src.ReadBy) > len(dst.ReadBy) {
		dst.ReadBy = append([]string(nil), src.ReadBy...)
		changed = true
	}
	if dst.TempID == "" && src.TempID != "" {
		dst.TempID = src.TempID
	}
	switch {
	case dst.IsDeleted:
	case src.IsDeleted:
		dst.IsDeleted = true
		dst.Content = ""
		dst.Metadata = nil
		dst.DeletedAt = src.DeletedAt
		changed = true
	case src.IsEdited && (dst.EditedAt == nil || (src.EditedAt != nil && src.EditedAt.After(*dst.EditedAt))):
		dst.IsEdited = true
		dst.Content = src.Content
		dst.Metadata = src.Metadata
		dst.EditedAt = src.EditedAt
		changed = true
	}
	return changed
}

// ApplyStatus moves one message forward to status. Older statuses are ignored.
func (t *Timeline) ApplyStatus(messageID string, status domain.DeliveryStatus, at time.Time) bool {
	i := t.indexByID(messageID)
	if i < 0 {
		return false
	}
	m := &t.entries[i].Message
	next := m.Status.Advance(status)
	if next == m.Status {
		return false
	}
	m.Status = next
	ts := at
	switch next {
	case domain.StatusDelivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &ts
		}
	case domain.StatusRead:
		if m.ReadAt == nil {
			m.ReadAt = &ts
		}
	}
	return true
}

// MarkReadBy handles a conversation-level read receipt: everything readerID did not
// send and that existed at readAt becomes read.
func (t *Timeline) MarkReadBy(readerID string, readAt time.Time) int {
	n := 0
	for _, e := range t.entries {
		if e.Pending || e.Message.SenderID == readerID || e.Message.CreatedAt.After(readAt) {
			continue
		}
		if t.ApplyStatus(e.Message.ID, domain.StatusRead, readAt) {
			n++
		}
	}
	return n
}

// Oldest returns the id of the first confirmed message, for paging further back.
func (t *Timeline) Oldest() string {
	for _, e := range t.entries {
		if !e.Pending {
			return e.Message.ID
		}
	}
	return ""
}
