package events

import (
	"context"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/kafka"
	"go.uber.org/zap"
)

// KafkaBus publishes events keyed by conversation id and consumes them with a consumer group,
// so each event is handled by exactly one instance.
type KafkaBus struct {
	handlers
	producer *kafka.Producer
	consumer *kafka.Consumer
}

func NewKafkaBus(brokers []string, topic, groupID string, logger *zap.SugaredLogger) *KafkaBus {
	return &KafkaBus{
		handlers: handlers{logger: logger},
		producer: kafka.NewProducer(brokers, topic),
		consumer: kafka.NewConsumer(brokers, topic, groupID, logger),
	}
}

func (b *KafkaBus) Publish(ctx context.Context, ev *domain.Event) error {
	return b.producer.PublishMessage(ctx, ev.Key(), ev)
}

func (b *KafkaBus) Start(ctx context.Context) error {
	b.consumer.Start(ctx, func(ctx context.Context, key string, value []byte) {
		ev, err := domain.UnmarshalEvent(value)
		if err != nil {
			b.logger.Warnf("invalid event key=%s: %v", key, err)
			return
		}
		b.dispatch(ctx, ev)
	})
	return nil
}

func (b *KafkaBus) Close() error {
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
