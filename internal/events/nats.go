package events

import (
	"context"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus is the lighter alternative to Kafka. A queue group keeps delivery to one instance.
type NATSBus struct {
	handlers
	nc      *nats.Conn
	subject string
	queue   string
}

func NewNATSBus(url, subject, queue string, logger *zap.SugaredLogger) (*NATSBus, error) {
	nc, err := nats.Connect(url, nats.Name("messaging-service"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &NATSBus{handlers: handlers{logger: logger}, nc: nc, subject: subject, queue: queue}, nil
}

func (b *NATSBus) Publish(_ context.Context, ev *domain.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, data)
}

func (b *NATSBus) Start(ctx context.Context) error {
	sub, err := b.nc.QueueSubscribe(b.subject, b.queue, func(m *nats.Msg) {
		ev, err := domain.UnmarshalEvent(m.Data)
		if err != nil {
			b.logger.Warnf("invalid %s event: %v", b.subject, err)
			return
		}
		b.dispatch(ctx, ev)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
