package notification

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/httpclient"
	"github.com/fathima-sithara/messaging-service/internal/validation"
	"go.uber.org/zap"
)

const (
	twilioBaseURL = "https://api.twilio.com"
	maxSMSRunes   = 320
)

// SMSSender sends SMS via Twilio REST API
type SMSSender struct {
	AccountSID    string
	AuthToken     string
	From          string
	BaseURL       string
	DefaultPrefix string
	client        *httpclient.Client
	logger        *zap.SugaredLogger
}

func NewSMSSender(sid, token, from string, client *httpclient.Client, logger *zap.SugaredLogger) *SMSSender {
	return &SMSSender{
		AccountSID:    sid,
		AuthToken:     token,
		From:          from,
		BaseURL:       twilioBaseURL,
		DefaultPrefix: "+91",
		client:        client,
		logger:        logger,
	}
}

func (s *SMSSender) Channel() domain.Channel { return domain.ChannelSMS }

func smsText(n *domain.Notification) string {
	text := n.Title
	if n.Body != "" {
		text += ": " + n.Body
	}
	if utf8.RuneCountInString(text) > maxSMSRunes {
		r := []rune(text)
		text = string(r[:maxSMSRunes-1]) + "…"
	}
	return text
}

func (s *SMSSender) Send(ctx context.Context, n *domain.Notification, to *domain.Contact) error {
	phone := validation.FormatPhoneNumberToE164(to.Phone, s.DefaultPrefix)
	if phone == "" {
		return ErrNoAddress
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.BaseURL, s.AccountSID)
	data := url.Values{}
	data.Set("To", phone)
	data.Set("From", s.From)
	data.Set("Body", smsText(n))
	encoded := data.Encode()

	err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(s.AccountSID, s.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		s.logger.Warnf("twilio send failed to=%s: %v", phone, err)
		return err
	}
	s.logger.Infof("sms sent to %s", phone)
	return nil
}
