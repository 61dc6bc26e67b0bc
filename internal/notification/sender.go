package notification

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNoAddress means the contact has nothing to deliver to on that channel.
var ErrNoAddress = errors.New("no address for channel")

// Sender delivers one notification on one out-of-band channel.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, n *domain.Notification, to *domain.Contact) error
}

// LogSender stands in for a channel without credentials.
type LogSender struct {
	channel domain.Channel
	logger  *zap.SugaredLogger
}

func NewLogSender(c domain.Channel, logger *zap.SugaredLogger) *LogSender {
	return &LogSender{channel: c, logger: logger}
}

func (s *LogSender) Channel() domain.Channel { return s.channel }

func (s *LogSender) Send(_ context.Context, n *domain.Notification, to *domain.Contact) error {
	s.logger.Infow("notification (log only)", "channel", s.channel, "user_id", to.UserID, "type", n.Type, "title", n.Title)
	return nil
}

type breakerSender struct {
	Sender
	cb *gobreaker.CircuitBreaker
}

// WithBreaker opens after maxFailures consecutive errors and probes again after timeout.
// Missing addresses do not count as failures.
func WithBreaker(s Sender, maxFailures uint32, timeout time.Duration, logger *zap.SugaredLogger) Sender {
	st := gobreaker.Settings{
		Name:        string(s.Channel()),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoAddress)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerSender{Sender: s, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *breakerSender) Send(ctx context.Context, n *domain.Notification, to *domain.Contact) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Sender.Send(ctx, n, to)
	})
	return err
}
