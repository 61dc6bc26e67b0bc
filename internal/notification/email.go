package notification

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/httpclient"
	"go.uber.org/zap"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

//go:embed templates/*.html
var templateFS embed.FS

// EmailSender sends transactional emails via Brevo (Sendinblue) HTTP API v3
type EmailSender struct {
	APIKey      string
	SenderEmail string
	SenderName  string
	Endpoint    string
	client      *httpclient.Client
	logger      *zap.SugaredLogger
	templates   *template.Template
}

func NewEmailSender(apiKey, senderEmail, senderName string, client *httpclient.Client, logger *zap.SugaredLogger) (*EmailSender, error) {
	tpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &EmailSender{
		APIKey:      apiKey,
		SenderEmail: senderEmail,
		SenderName:  senderName,
		Endpoint:    brevoEndpoint,
		client:      client,
		logger:      logger,
		templates:   tpl,
	}, nil
}

func (e *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (e *EmailSender) render(n *domain.Notification, to *domain.Contact) (string, error) {
	name := strings.ToLower(string(n.Type)) + ".html"
	tpl := e.templates.Lookup(name)
	if tpl == nil {
		tpl = e.templates.Lookup("default.html")
	}
	data := map[string]any{
		"Name":  to.Name,
		"Title": n.Title,
		"Body":  n.Body,
		"Data":  n.Data,
	}
	if data["Data"] == nil {
		data["Data"] = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *EmailSender) Send(ctx context.Context, n *domain.Notification, to *domain.Contact) error {
	if to.Email == "" {
		return ErrNoAddress
	}
	html, err := e.render(n, to)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	payload := map[string]any{
		"sender":      map[string]string{"name": e.SenderName, "email": e.SenderEmail},
		"to":          []map[string]string{{"email": to.Email}},
		"subject":     n.Title,
		"htmlContent": html,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	err = e.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api-key", e.APIKey)
		return req, nil
	})
	if err != nil {
		e.logger.Warnf("brevo send failed to=%s: %v", to.Email, err)
		return err
	}
	e.logger.Infof("email sent to %s subject=%s", to.Email, n.Title)
	return nil
}
