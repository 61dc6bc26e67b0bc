package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/httpclient"
)

// DefaultRequestTimeout bounds every REST call; a call that runs longer counts as failed.
const DefaultRequestTimeout = 5 * time.Second

type ConversationList struct {
	Conversations []*domain.ConversationSummary `json:"conversations"`
	TotalUnread   int64                         `json:"totalUnread"`
}

type PresenceStatus struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type NotificationPage struct {
	Notifications []*domain.Notification `json:"notifications"`
	Total         int64                  `json:"total"`
	UnreadCount   int64                  `json:"unreadCount"`
	HasMore       bool                   `json:"hasMore"`
}

type SendRequest struct {
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"messageType,omitempty"`
	TempID      string             `json:"tempId,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// API is a thin client for the /v1 REST surface.
type API struct {
	base    string
	token   string
	timeout time.Duration
	http    *httpclient.Client
}

func NewAPI(baseURL, token string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	conf := httpclient.DefaultConfig()
	conf.Timeout = timeout
	conf.Attempts = 1
	return &API{
		base:    strings.TrimSuffix(baseURL, "/") + "/v1",
		token:   token,
		timeout: timeout,
		http:    httpclient.NewClient(conf),
	}
}

// call sends one JSON request. Status errors come back as apperr sentinels carrying the server message.
func (a *API) call(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	err := a.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if raw != nil {
			r = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.base+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, out)
	return statusError(err)
}

func statusError(err error) error {
	if err == nil {
		return nil
	}
	var serr *httpclient.StatusError
	if !errors.As(err, &serr) {
		return fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	msg := serr.Body
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(serr.Body), &body) == nil && body.Error != "" {
		msg = body.Error
	}
	var sentinel error
	switch serr.Code {
	case http.StatusBadRequest:
		sentinel = apperr.ErrValidation
	case http.StatusUnauthorized:
		sentinel = apperr.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = apperr.ErrForbidden
	case http.StatusNotFound:
		sentinel = apperr.ErrNotFound
	case http.StatusTooManyRequests:
		sentinel = apperr.ErrRateLimited
	default:
		sentinel = apperr.ErrTransport
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func (a *API) ListConversations(ctx context.Context) (*ConversationList, error) {
	var out ConversationList
	if err := a.call(ctx, http.MethodGet, "/messages/conversations", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation returns the conversation and whether the server created it.
func (a *API) CreateConversation(ctx context.Context, participantIDs []string, typ domain.ConversationType, title string) (*domain.Conversation, error) {
	var out struct {
		Conversation *domain.Conversation `json:"conversation"`
	}
	body := map[string]any{"participantIds": participantIDs, "type": typ, "title": title}
	if err := a.call(ctx, http.MethodPost, "/messages/conversations", body, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (a *API) Messages(ctx context.Context, conversationID, before string, limit int) ([]*domain.Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/live-messages/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Messages []*domain.Message `json:"messages"`
	}
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *API) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*domain.Message, error) {
	var out struct {
		Message *domain.Message `json:"message"`
	}
	path := "/messages/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := a.call(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (a *API) EditMessage(ctx context.Context, conversationID, messageID, content string) (*domain.Message, error) {
	var out struct {
		Message *domain.Message `json:"message"`
	}
	path := "/messages/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
	if err := a.call(ctx, http.MethodPatch, path, map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (a *API) DeleteMessage(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	var out struct {
		Message *domain.Message `json:"message"`
	}
	path := "/messages/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID)
	if err := a.call(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (a *API) MarkRead(ctx context.Context, conversationID string) error {
	return a.call(ctx, http.MethodPost, "/live-messages/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

func (a *API) Presence(ctx context.Context, userIDs []string) (map[string]PresenceStatus, error) {
	var out struct {
		Presence map[string]PresenceStatus `json:"presence"`
	}
	q := url.Values{"userIds": {strings.Join(userIDs, ",")}}
	if err := a.call(ctx, http.MethodGet, "/live-messages/presence?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Presence, nil
}

func (a *API) Notifications(ctx context.Context, page, limit int, unreadOnly bool) (*NotificationPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if unreadOnly {
		q.Set("unreadOnly", "true")
	}
	path := "/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out NotificationPage
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkNotificationRead(ctx context.Context, id string) error {
	return a.call(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}
