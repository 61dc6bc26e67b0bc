package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/fathima-sithara/messaging-service/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	channel domain.Channel
	err     error

	mu    sync.Mutex
	calls []*domain.Notification
	to    []*domain.Contact
}

func (f *fakeSender) Channel() domain.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, n *domain.Notification, to *domain.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	f.to = append(f.to, to)
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLive struct {
	mu   sync.Mutex
	sent map[string][]*domain.Notification
}

func (f *fakeLive) NotifyUser(userID string, n *domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]*domain.Notification{}
	}
	f.sent[userID] = append(f.sent[userID], n)
}

type engineFixture struct {
	engine *Engine
	prefs  *PreferenceService
	store  *repository.MemoryStore
	queue  *MemoryQueue
	email  *fakeSender
	push   *fakeSender
	sms    *fakeSender
	live   *fakeLive
	now    time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	v := validation.New()
	prefs := NewPreferenceService(store, catalog, v)
	queue := NewMemoryQueue()
	engine := NewEngine(store, prefs, catalog, queue, v, logger.Nop())

	f := &engineFixture{
		engine: engine,
		prefs:  prefs,
		store:  store,
		queue:  queue,
		email:  &fakeSender{channel: domain.ChannelEmail},
		push:   &fakeSender{channel: domain.ChannelPush},
		sms:    &fakeSender{channel: domain.ChannelSMS},
		live:   &fakeLive{},
		now:    time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
	engine.SetClock(func() time.Time { return f.now })
	engine.RegisterSender(f.email)
	engine.RegisterSender(f.push)
	engine.RegisterSender(f.sms)
	engine.SetLiveNotifier(f.live)
	store.PutContact(&domain.Contact{UserID: "u1", Email: "u1@example.com", Phone: "+15550001", DeviceTokens: []string{"tok"}})
	return f
}

func TestSendResolvesCatalogDefaults(t *testing.T) {
	f := newEngineFixture(t)
	n, err := f.engine.Send(context.Background(), Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "New job"})
	require.NoError(t, err)
	f.engine.Wait()

	assert.Equal(t, domain.PriorityMedium, n.Priority)
	assert.Equal(t, []domain.Channel{domain.ChannelInApp, domain.ChannelEmail, domain.ChannelPush}, n.Channels)
	assert.Equal(t, string(domain.NotifyJobMatch), n.GroupKey)
	require.NotNil(t, n.ExpiresAt)
	assert.Equal(t, f.now.AddDate(0, 0, 30), *n.ExpiresAt)
	assert.Equal(t, 1, f.email.count())
	assert.Equal(t, 1, f.push.count())
	assert.Equal(t, 0, f.sms.count())
	assert.Len(t, f.live.sent["u1"], 1)
}

func TestSendPayloadOverrides(t *testing.T) {
	f := newEngineFixture(t)
	exp := f.now.Add(time.Hour)
	n, err := f.engine.Send(context.Background(), Payload{
		UserID: "u1", Type: domain.NotifyJobMatch, Title: "x",
		Priority: domain.PriorityHigh, Channels: []domain.Channel{domain.ChannelEmail}, GroupKey: "jobs-42", ExpiresAt: &exp,
	})
	require.NoError(t, err)
	f.engine.Wait()
	assert.Equal(t, domain.PriorityHigh, n.Priority)
	assert.Equal(t, []domain.Channel{domain.ChannelInApp, domain.ChannelEmail}, n.Channels)
	assert.Equal(t, "jobs-42", n.GroupKey)
	assert.Equal(t, exp, *n.ExpiresAt)
	assert.Equal(t, 0, f.push.count())
}

func TestSendRejectsUnknownType(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Send(context.Background(), Payload{UserID: "u1", Type: "LOTTERY_WIN", Title: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDisabledTypeStoresInAppOnly(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.prefs.Update(ctx, "u1", PreferenceUpdate{Category: string(domain.NotifyJobMatch), Enabled: false})
	require.NoError(t, err)

	n, err := f.engine.Send(ctx, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "quiet"})
	require.NoError(t, err)
	f.engine.Wait()
	assert.Equal(t, []domain.Channel{domain.ChannelInApp}, n.Channels)
	assert.Equal(t, 0, f.email.count())
	assert.Equal(t, 0, f.push.count())

	page, err := f.engine.List(ctx, "u1", Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
}

func TestMasterToggleRemovesChannel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.prefs.Update(ctx, "u1", PreferenceUpdate{Category: CategoryGlobal, Channel: domain.ChannelEmail, Enabled: false})
	require.NoError(t, err)

	n, err := f.engine.Send(ctx, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "x"})
	require.NoError(t, err)
	f.engine.Wait()
	assert.Equal(t, []domain.Channel{domain.ChannelInApp, domain.ChannelPush}, n.Channels)
	assert.Equal(t, 0, f.email.count())
}

func TestDispatchFailureDoesNotFailSend(t *testing.T) {
	f := newEngineFixture(t)
	f.email.err = errors.New("brevo down")

	n, err := f.engine.Send(context.Background(), Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "x"})
	require.NoError(t, err)
	require.NotNil(t, n)
	f.engine.Wait()
	assert.Equal(t, 1, f.email.count())
	assert.Equal(t, 1, f.push.count(), "other channels still receive the notification")
}

func TestDispatchReturnsChannelDispatchError(t *testing.T) {
	f := newEngineFixture(t)
	f.sms.err = errors.New("twilio 500")
	err := f.engine.dispatch(context.Background(), &domain.Notification{ID: "n1", UserID: "u1"}, domain.ChannelSMS, &domain.Contact{UserID: "u1"})
	var derr *apperr.ChannelDispatchError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "SMS", derr.Channel)
	assert.Equal(t, "n1", derr.NotificationID)
}

func TestQuietHoursDeferNonUrgentChannels(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.now = time.Date(2025, 6, 2, 23, 30, 0, 0, time.UTC)
	_, err := f.prefs.UpdateQuietHours(ctx, "u1", domain.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"})
	require.NoError(t, err)

	_, err = f.engine.Send(ctx, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "later"})
	require.NoError(t, err)
	f.engine.Wait()
	assert.Equal(t, 0, f.email.count())
	assert.Equal(t, 0, f.push.count())
	assert.Equal(t, 2, f.queue.Len())
	assert.Len(t, f.live.sent["u1"], 1, "in-app is immediate")

	_, err = f.engine.Send(ctx, Payload{UserID: "u1", Type: domain.NotifyModerationNotice, Title: "now"})
	require.NoError(t, err)
	f.engine.Wait()
	assert.Equal(t, 1, f.email.count(), "urgent ignores quiet hours")

	sched := NewScheduler(f.engine, f.queue, time.Minute, time.Hour, logger.Nop())
	assert.Equal(t, 0, sched.FlushDue(ctx))

	f.now = time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, sched.FlushDue(ctx))
	assert.Equal(t, 2, f.email.count())
	assert.Equal(t, 1, f.push.count())
	assert.Equal(t, 0, f.queue.Len())
}

func seed(t *testing.T, f *engineFixture, p Payload) *domain.Notification {
	t.Helper()
	n, err := f.engine.Send(context.Background(), p)
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	return n
}

func TestListCountsCoverFilteredSet(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := seed(t, f, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "a"})
	seed(t, f, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "b"})
	seed(t, f, Payload{UserID: "u1", Type: domain.NotifyAchievementUnlocked, Title: "c"})
	seed(t, f, Payload{UserID: "u2", Type: domain.NotifyJobMatch, Title: "other user"})
	past := f.now.Add(time.Second)
	seed(t, f, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "expiring", ExpiresAt: &past})
	f.engine.Wait()
	require.NoError(t, f.engine.MarkRead(ctx, "u1", a.ID))

	page, err := f.engine.List(ctx, "u1", Query{Types: []domain.NotificationType{domain.NotifyJobMatch}, Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total, "expired and other types excluded")
	assert.EqualValues(t, 1, page.UnreadCount)
	assert.Len(t, page.Notifications, 1)
	assert.True(t, page.HasMore)

	page, err = f.engine.List(ctx, "u1", Query{UnreadOnly: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	assert.EqualValues(t, 2, page.UnreadCount)
	assert.False(t, page.HasMore)

	_, err = f.engine.List(ctx, "u1", Query{Priority: "LOUD"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGroupedCollapsesByKey(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		seed(t, f, Payload{UserID: "u1", Type: domain.NotifyMessageReceived, Title: title, GroupKey: "messages_bob"})
	}
	single := seed(t, f, Payload{UserID: "u1", Type: domain.NotifyInterviewScheduled, Title: "interview"})
	f.engine.Wait()

	groups, err := f.engine.Grouped(ctx, "u1", Query{})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, single.ID, groups[0].Key, "ungrouped falls back to its id and is newest")
	assert.Equal(t, 1, groups[0].Count)
	assert.Equal(t, "messages_bob", groups[1].Key)
	assert.Equal(t, 3, groups[1].Count)
	assert.Equal(t, 3, groups[1].UnreadCount)
	assert.Equal(t, "three", groups[1].Latest.Title)
}

func TestGroupedScansPastOnePage(t *testing.T) {
	f := newEngineFixture(t)
	for i := 0; i < groupScanPage+20; i++ {
		seed(t, f, Payload{UserID: "u1", Type: domain.NotifyMessageReceived, Title: "m", GroupKey: "messages_bob"})
	}
	f.engine.Wait()

	groups, err := f.engine.Grouped(context.Background(), "u1", Query{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, groupScanPage+20, groups[0].Count)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, defaultListLimit},
		{-3, defaultListLimit},
		{50, 50},
		{maxListLimit + 1, maxListLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLimit(tt.in), "limit %d", tt.in)
	}
}

func TestOwnershipOnMutations(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	n := seed(t, f, Payload{UserID: "u1", Type: domain.NotifyJobMatch, Title: "mine"})
	f.engine.Wait()

	assert.ErrorIs(t, f.engine.MarkRead(ctx, "u2", n.ID), apperr.ErrNotFound)
	assert.ErrorIs(t, f.engine.Archive(ctx, "u2", n.ID), apperr.ErrNotFound)
	assert.ErrorIs(t, f.engine.Delete(ctx, "u2", n.ID), apperr.ErrNotFound)

	require.NoError(t, f.engine.Archive(ctx, "u1", n.ID))
	page, err := f.engine.List(ctx, "u1", Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total)
	page, err = f.engine.List(ctx, "u1", Query{IncludeArchived: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)

	count, err := f.engine.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, f.engine.Delete(ctx, "u1", n.ID))
	assert.ErrorIs(t, f.engine.Delete(ctx, "u1", n.ID), apperr.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seed(t, f, Payload{UserID: "u1", Type: domain.NotifyMentorshipReminder, Title: "tomorrow"})
	seed(t, f, Payload{UserID: "u1", Type: domain.NotifyGrantDeadline, Title: "forever"})
	f.engine.Wait()

	f.now = f.now.AddDate(0, 0, 2)
	purged, err := f.engine.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
