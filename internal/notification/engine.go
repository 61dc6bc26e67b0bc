package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/metrics"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	groupScanPage    = 500
	dispatchTimeout  = 30 * time.Second
)

// LiveNotifier pushes a stored notification to the user's open sockets.
type LiveNotifier interface {
	NotifyUser(userID string, n *domain.Notification)
}

type Store interface {
	repository.NotificationRepository
	repository.ContactRepository
}

type Payload struct {
	UserID    string                  `json:"userId" validate:"required"`
	Type      domain.NotificationType `json:"type" validate:"required"`
	Title     string                  `json:"title" validate:"required,max=200"`
	Body      string                  `json:"body" validate:"max=2000"`
	Data      map[string]any          `json:"data,omitempty"`
	Priority  domain.Priority         `json:"priority,omitempty"`
	Channels  []domain.Channel        `json:"channels,omitempty"`
	GroupKey  string                  `json:"groupKey,omitempty"`
	ExpiresAt *time.Time              `json:"expiresAt,omitempty"`
}

type Engine struct {
	store    Store
	prefs    *PreferenceService
	catalog  *Catalog
	queue    DeferredQueue
	validate *validator.Validate
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	senders map[domain.Channel]Sender
	live    LiveNotifier

	inflight sync.WaitGroup
	clock    func() time.Time
}

func NewEngine(store Store, prefs *PreferenceService, catalog *Catalog, queue DeferredQueue, validate *validator.Validate, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		prefs:    prefs,
		catalog:  catalog,
		queue:    queue,
		validate: validate,
		logger:   logger,
		senders:  make(map[domain.Channel]Sender),
		clock:    time.Now,
	}
}

func (e *Engine) RegisterSender(s Sender) {
	e.mu.Lock()
	e.senders[s.Channel()] = s
	e.mu.Unlock()
}

func (e *Engine) SetLiveNotifier(l LiveNotifier) {
	e.mu.Lock()
	e.live = l
	e.mu.Unlock()
}

// SetClock replaces the time source of the engine and its preference service.
func (e *Engine) SetClock(fn func() time.Time) {
	e.clock = fn
	e.prefs.clock = fn
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// Wait blocks until background channel dispatches finish.
func (e *Engine) Wait() { e.inflight.Wait() }

// resolveChannels applies payload, type preference and master toggles. IN_APP is always first.
func resolveChannels(p Payload, entry CatalogEntry, prefs *domain.NotificationPreferences) []domain.Channel {
	requested := entry.Channels
	tp, hasTP := prefs.Types[entry.Type]
	if hasTP && tp.Channels != nil {
		requested = tp.Channels
	}
	if len(p.Channels) > 0 {
		requested = p.Channels
	}
	out := []domain.Channel{domain.ChannelInApp}
	if hasTP && !tp.Enabled {
		return out
	}
	seen := map[domain.Channel]bool{domain.ChannelInApp: true}
	for _, c := range requested {
		if seen[c] || !c.Valid() || !prefs.Channels.Enabled(c) {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func resolvePriority(p Payload, entry CatalogEntry, prefs *domain.NotificationPreferences) domain.Priority {
	if p.Priority != "" {
		return p.Priority
	}
	if tp, ok := prefs.Types[entry.Type]; ok && tp.Priority != "" {
		return tp.Priority
	}
	return entry.Priority
}

// Send records the notification in-app and fans it out to the other resolved channels.
// Channel failures are logged and never fail Send.
func (e *Engine) Send(ctx context.Context, p Payload) (*domain.Notification, error) {
	if err := e.validate.Struct(p); err != nil {
		return nil, err
	}
	entry, ok := e.catalog.Lookup(p.Type)
	if !ok {
		return nil, apperr.Validation("unknown notification type %q", p.Type)
	}
	if p.Priority != "" && !p.Priority.Valid() {
		return nil, apperr.Validation("unknown priority %q", p.Priority)
	}
	for _, c := range p.Channels {
		if !c.Valid() {
			return nil, apperr.Validation("unknown channel %q", c)
		}
	}
	prefs, err := e.prefs.Get(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	n := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Type:      p.Type,
		Title:     p.Title,
		Body:      p.Body,
		Data:      p.Data,
		Priority:  resolvePriority(p, entry, prefs),
		Channels:  resolveChannels(p, entry, prefs),
		GroupKey:  p.GroupKey,
		CreatedAt: now,
	}
	if n.GroupKey == "" && entry.Groupable {
		n.GroupKey = string(entry.Type)
	}
	switch {
	case p.ExpiresAt != nil:
		t := p.ExpiresAt.UTC()
		n.ExpiresAt = &t
	case entry.ExpiresInDays > 0:
		t := now.AddDate(0, 0, entry.ExpiresInDays)
		n.ExpiresAt = &t
	}
	if n.Expired(now) {
		return nil, apperr.Validation("expiresAt is in the past")
	}

	if err := e.store.InsertNotification(ctx, n); err != nil {
		return nil, err
	}
	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()
	if live != nil {
		live.NotifyUser(n.UserID, n)
	}

	quiet, release, err := QuietWindow(prefs.QuietHours, now)
	if err != nil {
		e.logger.Warnf("quiet hours ignored user=%s: %v", p.UserID, err)
	}
	var immediate []domain.Channel
	for _, c := range n.Channels[1:] {
		if quiet && n.Priority != domain.PriorityUrgent {
			d := &domain.DeferredDelivery{ID: uuid.NewString(), Notification: n, Channel: c, ReleaseAt: release}
			if err := e.queue.Push(ctx, d); err != nil {
				e.logger.Errorw("defer delivery failed", "notification_id", n.ID, "channel", c, "error", err)
				continue
			}
			metrics.NotificationsDeferred.WithLabelValues(string(c)).Inc()
			continue
		}
		immediate = append(immediate, c)
	}
	if len(immediate) > 0 {
		e.dispatchAsync(context.WithoutCancel(ctx), n, immediate)
	}
	return n, nil
}

func (e *Engine) dispatchAsync(ctx context.Context, n *domain.Notification, channels []domain.Channel) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()
		contact := e.contact(ctx, n.UserID)
		var wg sync.WaitGroup
		for _, c := range channels {
			wg.Add(1)
			go func(c domain.Channel) {
				defer wg.Done()
				_ = e.dispatch(ctx, n, c, contact)
			}(c)
		}
		wg.Wait()
	}()
}

func (e *Engine) contact(ctx context.Context, userID string) *domain.Contact {
	c, err := e.store.GetContact(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warnf("contact lookup failed user=%s: %v", userID, err)
		}
		return &domain.Contact{UserID: userID}
	}
	return c
}

// dispatch sends on one channel and records the outcome.
func (e *Engine) dispatch(ctx context.Context, n *domain.Notification, c domain.Channel, to *domain.Contact) error {
	e.mu.RLock()
	s, ok := e.senders[c]
	e.mu.RUnlock()
	if !ok {
		metrics.NotificationsDispatched.WithLabelValues(string(c), "skipped").Inc()
		return nil
	}
	err := s.Send(ctx, n, to)
	switch {
	case err == nil:
		metrics.NotificationsDispatched.WithLabelValues(string(c), "sent").Inc()
		return nil
	case errors.Is(err, ErrNoAddress):
		metrics.NotificationsDispatched.WithLabelValues(string(c), "skipped").Inc()
		return nil
	}
	derr := &apperr.ChannelDispatchError{Channel: string(c), NotificationID: n.ID, Err: err}
	metrics.NotificationsDispatched.WithLabelValues(string(c), "failed").Inc()
	e.logger.Errorw("notification dispatch failed", "user_id", n.UserID, "error", derr)
	return derr
}

// DeliverDeferred sends a delivery released from quiet hours.
func (e *Engine) DeliverDeferred(ctx context.Context, d *domain.DeferredDelivery) error {
	if d.Notification == nil {
		return nil
	}
	return e.dispatch(ctx, d.Notification, d.Channel, e.contact(ctx, d.Notification.UserID))
}

type Query struct {
	Limit           int
	Offset          int
	UnreadOnly      bool
	Types           []domain.NotificationType
	Priority        domain.Priority
	IncludeArchived bool
}

type Page struct {
	Notifications []*domain.Notification `json:"notifications"`
	Total         int64                  `json:"total"`
	UnreadCount   int64                  `json:"unreadCount"`
	HasMore       bool                   `json:"hasMore"`
}

func (e *Engine) filter(q Query) (repository.NotificationFilter, error) {
	for _, t := range q.Types {
		if !t.Valid() {
			return repository.NotificationFilter{}, apperr.Validation("unknown notification type %q", t)
		}
	}
	if q.Priority != "" && !q.Priority.Valid() {
		return repository.NotificationFilter{}, apperr.Validation("unknown priority %q", q.Priority)
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return repository.NotificationFilter{
		UnreadOnly:      q.UnreadOnly,
		Types:           q.Types,
		Priority:        q.Priority,
		IncludeArchived: q.IncludeArchived,
		Now:             e.now(),
		Limit:           q.Limit,
		Offset:          q.Offset,
	}, nil
}

// ClampLimit maps a requested page size into the range List serves. Callers that
// turn page numbers into offsets must clamp first.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// List pages the user's notifications newest first. Total and UnreadCount cover the filtered set.
func (e *Engine) List(ctx context.Context, userID string, q Query) (*Page, error) {
	q.Limit = ClampLimit(q.Limit)
	f, err := e.filter(q)
	if err != nil {
		return nil, err
	}
	res, err := e.store.QueryNotifications(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	return &Page{
		Notifications: res.Items,
		Total:         res.Total,
		UnreadCount:   res.UnreadCount,
		HasMore:       int64(f.Offset+len(res.Items)) < res.Total,
	}, nil
}

type Group struct {
	Key           string                 `json:"groupKey"`
	Count         int                    `json:"count"`
	UnreadCount   int                    `json:"unreadCount"`
	Latest        *domain.Notification   `json:"latest"`
	Notifications []*domain.Notification `json:"notifications"`
}

// Grouped collapses notifications sharing a group key. Ungrouped ones form groups of one.
func (e *Engine) Grouped(ctx context.Context, userID string, q Query) ([]*Group, error) {
	q.Limit = groupScanPage
	q.Offset = 0
	f, err := e.filter(q)
	if err != nil {
		return nil, err
	}
	var all []*domain.Notification
	for {
		res, err := e.store.QueryNotifications(ctx, userID, f)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Items...)
		f.Offset += len(res.Items)
		if len(res.Items) == 0 || int64(f.Offset) >= res.Total {
			break
		}
	}
	byKey := map[string]*Group{}
	var groups []*Group
	for _, n := range all {
		key := n.EffectiveGroupKey()
		g, ok := byKey[key]
		if !ok {
			g = &Group{Key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.Count++
		if !n.IsRead {
			g.UnreadCount++
		}
		g.Notifications = append(g.Notifications, n)
		if g.Latest == nil || n.CreatedAt.After(g.Latest.CreatedAt) {
			g.Latest = n
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Latest.CreatedAt.After(groups[j].Latest.CreatedAt)
	})
	return groups, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("notification %s", id)
	}
	return err
}

func (e *Engine) MarkRead(ctx context.Context, userID, id string) error {
	return notFound(e.store.MarkNotificationRead(ctx, userID, id, e.now()), id)
}

func (e *Engine) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return e.store.MarkAllNotificationsRead(ctx, userID, e.now())
}

func (e *Engine) Archive(ctx context.Context, userID, id string) error {
	return notFound(e.store.ArchiveNotification(ctx, userID, id), id)
}

func (e *Engine) Delete(ctx context.Context, userID, id string) error {
	return notFound(e.store.DeleteNotification(ctx, userID, id), id)
}

func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	return e.store.PurgeExpired(ctx, e.now())
}
