package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev *domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) ofType(t domain.EventType) []*domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc     *ConversationService
	store   *repository.MemoryStore
	bus     *recordingBus
	tracker *presence.MemoryTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	bus := &recordingBus{}
	tracker := presence.NewMemoryTracker(presence.DefaultTypingTimeout)
	t.Cleanup(tracker.Close)
	svc := NewConversationService(store, bus, tracker, logger.Nop())
	return &fixture{svc: svc, store: store, bus: bus, tracker: tracker}
}

func (f *fixture) direct(t *testing.T, a, b string) *domain.Conversation {
	t.Helper()
	c, _, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID: a, ParticipantIDs: []string{b}, Type: domain.ConversationDirect,
	})
	require.NoError(t, err)
	return c
}

func TestDirectConversationEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, created, err := f.svc.CreateConversation(ctx, CreateConversationInput{
		CreatorID: "userA", ParticipantIDs: []string{"userB"}, Type: domain.ConversationDirect,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, conv.Participants, 2)

	msg, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "userA", Content: "Hey"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, domain.MessageText, msg.Type)

	list, total, err := f.svc.ListConversations(ctx, "userB")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, 1, list[0].UnreadCount)
	assert.EqualValues(t, 1, total)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Hey", list[0].LastMessage.Content)

	changed, err := f.svc.MarkRead(ctx, conv.ID, "userB")
	require.NoError(t, err)
	assert.True(t, changed)

	list, total, err = f.svc.ListConversations(ctx, "userB")
	require.NoError(t, err)
	assert.EqualValues(t, 0, list[0].UnreadCount)
	assert.EqualValues(t, 0, total)

	createdEvents := f.bus.ofType(domain.EventMessageCreated)
	require.Len(t, createdEvents, 1)
	assert.Equal(t, []string{"userB"}, createdEvents[0].Recipients)
}

func TestCreateDirectReturnsExisting(t *testing.T) {
	f := newFixture(t)
	first := f.direct(t, "a", "b")

	again, created, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID: "b", ParticipantIDs: []string{"a"}, Type: domain.ConversationDirect,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.bus.ofType(domain.EventConversationNew), 1)
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		in   CreateConversationInput
	}{
		{"direct with self only", CreateConversationInput{CreatorID: "a", ParticipantIDs: []string{"a"}, Type: domain.ConversationDirect}},
		{"direct with two others", CreateConversationInput{CreatorID: "a", ParticipantIDs: []string{"b", "c"}, Type: domain.ConversationDirect}},
		{"group without others", CreateConversationInput{CreatorID: "a", Type: domain.ConversationGroup}},
		{"unknown type", CreateConversationInput{CreatorID: "a", ParticipantIDs: []string{"b"}, Type: "channel"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.CreateConversation(context.Background(), tc.in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestGroupCreatorIsAdmin(t *testing.T) {
	f := newFixture(t)
	c, _, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID: "a", ParticipantIDs: []string{"b", "c", "b"}, Type: domain.ConversationGroup, Title: " team ",
	})
	require.NoError(t, err)
	require.Len(t, c.Participants, 3)
	p, ok := c.Participant("a")
	require.True(t, ok)
	assert.Equal(t, domain.RoleAdmin, p.Role)
	assert.Equal(t, "team", c.Title)
}

func TestAppendMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")

	_, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "   "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "x", Type: "video"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.AppendMessage(ctx, AppendInput{ConversationID: "missing", SenderID: "a", Content: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Empty(t, f.bus.ofType(domain.EventMessageCreated))
}

func TestAppendMessageDedupesTempID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")

	in := AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "once", TempID: "tmp-1"}
	first, created, err := f.svc.Append(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	second, created, err := f.svc.Append(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "tmp-1", second.TempID)
	assert.Len(t, f.bus.ofType(domain.EventMessageCreated), 1)

	c, err := f.svc.GetConversation(ctx, conv.ID, "b")
	require.NoError(t, err)
	p, _ := c.Participant("b")
	assert.EqualValues(t, 1, p.UnreadCount)
}

func TestTimestampsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	f := newFixture(t)
	frozen := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.svc.SetClock(func() time.Time { return frozen })
	ctx := context.Background()
	conv := f.direct(t, "a", "b")

	var prev time.Time
	for i := 0; i < 5; i++ {
		m, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "tick"})
		require.NoError(t, err)
		assert.True(t, m.CreatedAt.After(prev), "message %d not after previous", i)
		prev = m.CreatedAt
	}
}

func TestConcurrentAppendsCountEveryMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.svc.CreateConversation(ctx, CreateConversationInput{
		CreatorID: "a", ParticipantIDs: []string{"b", "c"}, Type: domain.ConversationGroup,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b"} {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(sender string) {
				defer wg.Done()
				_, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: c.ID, SenderID: sender, Content: "hi"})
				assert.NoError(t, err)
			}(sender)
		}
	}
	wg.Wait()

	got, err := f.svc.GetConversation(ctx, c.ID, "c")
	require.NoError(t, err)
	p, _ := got.Participant("c")
	assert.EqualValues(t, 40, p.UnreadCount)

	msgs, err := f.svc.GetMessages(ctx, c.ID, "c", "", MaxPageSize)
	require.NoError(t, err)
	require.Len(t, msgs, 40)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
}

func TestGetMessagesPagesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")
	var ids []string
	for i := 0; i < 7; i++ {
		m, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "m"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page, err := f.svc.GetMessages(ctx, conv.ID, "b", "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4:], []string{page[0].ID, page[1].ID, page[2].ID})

	older, err := f.svc.GetMessages(ctx, conv.ID, "b", page[0].ID, 3)
	require.NoError(t, err)
	assert.Equal(t, ids[1:4], []string{older[0].ID, older[1].ID, older[2].ID})

	byTime, err := f.svc.GetMessages(ctx, conv.ID, "b", page[0].CreatedAt.Format(time.RFC3339Nano), 10)
	require.NoError(t, err)
	assert.Len(t, byTime, 4)

	_, err = f.svc.GetMessages(ctx, conv.ID, "outsider", "", 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.GetMessages(ctx, conv.ID, "b", "no-such-message", 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")
	m, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "yo"})
	require.NoError(t, err)

	changed, err := f.svc.MarkRead(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.True(t, changed)
	stored, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReadAt)
	firstRead := *stored.ReadAt

	changed, err = f.svc.MarkRead(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.False(t, changed)
	stored, err = f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, firstRead, *stored.ReadAt)
	assert.Equal(t, []string{"b"}, stored.ReadBy)
	assert.Len(t, f.bus.ofType(domain.EventConversationRead), 1)

	_, err = f.svc.MarkRead(ctx, conv.ID, "outsider")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")
	m, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "yo"})
	require.NoError(t, err)

	changed, err := f.svc.MarkDelivered(ctx, m.ID, "a")
	require.NoError(t, err)
	assert.False(t, changed, "the sender's own socket is not a delivery")

	changed, err = f.svc.MarkDelivered(ctx, m.ID, "b")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.svc.MarkDelivered(ctx, m.ID, "b")
	require.NoError(t, err)
	assert.False(t, changed)

	evs := f.bus.ofType(domain.EventMessageDelivered)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatusDelivered, evs[0].Message.Status)
}

func TestEditAndDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")
	m, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "a", Content: "draft"})
	require.NoError(t, err)

	_, err = f.svc.EditMessage(ctx, conv.ID, m.ID, "b", "hijack")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	edited, err := f.svc.EditMessage(ctx, conv.ID, m.ID, "a", "final")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "final", edited.Content)

	got, err := f.svc.GetConversation(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "final", got.LastMessage.Content)

	deleted, err := f.svc.DeleteMessage(ctx, conv.ID, m.ID, "a")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)

	_, err = f.svc.EditMessage(ctx, conv.ID, m.ID, "a", "again")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	again, err := f.svc.DeleteMessage(ctx, conv.ID, m.ID, "a")
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)

	got, err = f.svc.GetConversation(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.True(t, got.LastMessage.IsDeleted)
	assert.Empty(t, got.LastMessage.Content)

	assert.Len(t, f.bus.ofType(domain.EventMessageUpdated), 1)
	assert.Len(t, f.bus.ofType(domain.EventMessageDeleted), 1)
}

func TestListConversationsFillsPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "a", "b")
	require.NoError(t, f.tracker.SetOnline(ctx, "b"))
	require.NoError(t, f.tracker.StartTyping(ctx, conv.ID, "b"))

	list, _, err := f.svc.ListConversations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	p, ok := list[0].Participant("b")
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.True(t, p.IsTyping)
	self, _ := list[0].Participant("a")
	assert.False(t, self.Online)
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.svc.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	first := f.direct(t, "a", "b")
	second := f.direct(t, "a", "c")
	_, err := f.svc.AppendMessage(ctx, AppendInput{ConversationID: first.ID, SenderID: "b", Content: "bump"})
	require.NoError(t, err)

	list, _, err := f.svc.ListConversations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	ids, err := f.svc.ConversationIDs(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	ok, err := f.svc.IsParticipant(ctx, first.ID, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}
