package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/httpclient"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickClient() *httpclient.Client {
	conf := httpclient.DefaultConfig()
	conf.RetryMaxElapsed = 500 * time.Millisecond
	return httpclient.NewClient(conf)
}

func TestEmailSenderPostsToBrevo(t *testing.T) {
	var got map[string]any
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, err := NewEmailSender("secret", "noreply@example.com", "Community", quickClient(), logger.Nop())
	require.NoError(t, err)
	s.Endpoint = srv.URL

	n := &domain.Notification{ID: "n1", Type: domain.NotifyMessageReceived, Title: "New message", Body: "hi!", Data: map[string]any{"senderName": "Bob"}}
	require.NoError(t, s.Send(context.Background(), n, &domain.Contact{UserID: "u1", Name: "Ann", Email: "ann@example.com"}))

	assert.Equal(t, "secret", apiKey)
	assert.Equal(t, "New message", got["subject"])
	html, _ := got["htmlContent"].(string)
	assert.Contains(t, html, "Hi Ann")
	assert.Contains(t, html, "<b>Bob</b>")

	err = s.Send(context.Background(), n, &domain.Contact{UserID: "u1"})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestSMSSenderUsesBasicAuthAndForm(t *testing.T) {
	var user, pass, to, body, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		to, body, path = r.PostForm.Get("To"), r.PostForm.Get("Body"), r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSMSSender("AC123", "tok", "+15550000", quickClient(), logger.Nop())
	s.BaseURL = srv.URL
	n := &domain.Notification{Title: "Interview", Body: "Tomorrow 10:00"}
	require.NoError(t, s.Send(context.Background(), n, &domain.Contact{UserID: "u1", Phone: "+1 (415) 555-0100"}))

	assert.Equal(t, "AC123", user)
	assert.Equal(t, "tok", pass)
	assert.Equal(t, "+14155550100", to)
	assert.Equal(t, "Interview: Tomorrow 10:00", body)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", path)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	failing := &fakeSender{channel: domain.ChannelSMS, err: errors.New("boom")}
	counting := senderFunc{channel: domain.ChannelSMS, fn: func() error {
		atomic.AddInt32(&calls, 1)
		return failing.err
	}}
	s := WithBreaker(counting, 2, time.Minute, logger.Nop())
	ctx := context.Background()
	n := &domain.Notification{ID: "n"}
	to := &domain.Contact{UserID: "u"}

	assert.Error(t, s.Send(ctx, n, to))
	assert.Error(t, s.Send(ctx, n, to))
	err := s.Send(ctx, n, to)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, domain.ChannelSMS, s.Channel())
}

func TestBreakerIgnoresMissingAddresses(t *testing.T) {
	s := WithBreaker(senderFunc{channel: domain.ChannelEmail, fn: func() error { return ErrNoAddress }}, 1, time.Minute, logger.Nop())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, s.Send(context.Background(), &domain.Notification{}, &domain.Contact{}), ErrNoAddress)
	}
}

type senderFunc struct {
	channel domain.Channel
	fn      func() error
}

func (s senderFunc) Channel() domain.Channel { return s.channel }
func (s senderFunc) Send(context.Context, *domain.Notification, *domain.Contact) error {
	return s.fn()
}

func TestRedisQueuePopsDueOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQueue(client, "test")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	for i, ch := range []domain.Channel{domain.ChannelEmail, domain.ChannelPush} {
		require.NoError(t, q.Push(ctx, &domain.DeferredDelivery{
			ID: string(ch), Channel: ch, ReleaseAt: base.Add(time.Duration(i) * time.Hour),
			Notification: &domain.Notification{ID: "n1", UserID: "u1"},
		}))
	}

	due, err := q.PopDue(ctx, base.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.PopDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.ChannelEmail, due[0].Channel)
	assert.Equal(t, "u1", due[0].Notification.UserID)

	due, err = q.PopDue(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.PopDue(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.ChannelPush, due[0].Channel)
}
