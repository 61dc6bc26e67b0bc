package notification

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// PushSender delivers through Firebase Cloud Messaging to every registered device.
type PushSender struct {
	client multicaster
	logger *zap.SugaredLogger
}

func NewPushSender(ctx context.Context, credentialsFile string, logger *zap.SugaredLogger) (*PushSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &PushSender{client: client, logger: logger}, nil
}

func (p *PushSender) Channel() domain.Channel { return domain.ChannelPush }

func pushData(n *domain.Notification) map[string]string {
	data := map[string]string{
		"notificationId": n.ID,
		"type":           string(n.Type),
	}
	for k, v := range n.Data {
		if s, ok := v.(string); ok {
			data[k] = s
		} else {
			data[k] = fmt.Sprint(v)
		}
	}
	return data
}

func (p *PushSender) Send(ctx context.Context, n *domain.Notification, to *domain.Contact) error {
	if len(to.DeviceTokens) == 0 {
		return ErrNoAddress
	}
	msg := &messaging.MulticastMessage{
		Tokens: to.DeviceTokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: pushData(n),
	}
	if n.Priority == domain.PriorityHigh || n.Priority == domain.PriorityUrgent {
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
	}
	resp, err := p.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return err
	}
	if resp.SuccessCount == 0 {
		return fmt.Errorf("push failed on all %d devices", resp.FailureCount)
	}
	if resp.FailureCount > 0 {
		p.logger.Warnf("push partially failed user=%s failed=%d ok=%d", to.UserID, resp.FailureCount, resp.SuccessCount)
	}
	return nil
}
