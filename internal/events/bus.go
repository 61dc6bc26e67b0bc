package events

import (
	"context"
	"sync"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, ev *domain.Event)

type Publisher interface {
	Publish(ctx context.Context, ev *domain.Event) error
}

// Bus carries store events to the realtime hub and the notification trigger.
type Bus interface {
	Publisher
	Subscribe(name string, h Handler)
	// Start begins delivery and blocks until ctx is done.
	Start(ctx context.Context) error
	Close() error
}

type subscriber struct {
	name string
	h    Handler
}

// handlers is the fan-out shared by every Bus implementation.
type handlers struct {
	mu     sync.RWMutex
	subs   []subscriber
	logger *zap.SugaredLogger
}

func (hs *handlers) Subscribe(name string, h Handler) {
	hs.mu.Lock()
	hs.subs = append(hs.subs, subscriber{name: name, h: h})
	hs.mu.Unlock()
}

func (hs *handlers) dispatch(ctx context.Context, ev *domain.Event) {
	hs.mu.RLock()
	subs := append([]subscriber(nil), hs.subs...)
	hs.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					hs.logger.Errorw("event handler panic", "handler", s.name, "event", ev.Type, "panic", r)
				}
			}()
			s.h(ctx, ev)
		}()
	}
}

// LocalBus delivers in process on a single goroutine so per-conversation order holds.
type LocalBus struct {
	handlers
	queue chan *domain.Event
	done  chan struct{}
	once  sync.Once
}

func NewLocalBus(buffer int, logger *zap.SugaredLogger) *LocalBus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalBus{
		handlers: handlers{logger: logger},
		queue:    make(chan *domain.Event, buffer),
		done:     make(chan struct{}),
	}
}

func (b *LocalBus) Publish(ctx context.Context, ev *domain.Event) error {
	select {
	case b.queue <- ev:
		return nil
	case <-b.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Start(ctx context.Context) error {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		}
	}
}

func (b *LocalBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
