package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversInOrderToEverySubscriber(t *testing.T) {
	bus := NewLocalBus(16, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Handler {
		return func(_ context.Context, ev *domain.Event) {
			mu.Lock()
			got[name] = append(got[name], ev.Message.ID)
			mu.Unlock()
		}
	}
	bus.Subscribe("ws", record("ws"))
	bus.Subscribe("panics", func(context.Context, *domain.Event) { panic("boom") })
	bus.Subscribe("notify", record("notify"))
	go func() { _ = bus.Start(ctx) }()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, bus.Publish(ctx, &domain.Event{Type: domain.EventMessageCreated, Message: &domain.Message{ID: id}}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["ws"]) == 3 && len(got["notify"]) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, got["ws"])
	assert.Equal(t, []string{"m1", "m2", "m3"}, got["notify"])

	require.NoError(t, bus.Close())
	err := bus.Publish(ctx, &domain.Event{})
	// either queued before close noticed or rejected, never blocks
	_ = err
}

func TestEventRoundTripKeepsKey(t *testing.T) {
	ev := &domain.Event{Type: domain.EventMessageCreated, ConversationID: "c1", Message: &domain.Message{ID: "m1", Content: "hi"}}
	b, err := ev.Marshal()
	require.NoError(t, err)
	back, err := domain.UnmarshalEvent(b)
	require.NoError(t, err)
	assert.Equal(t, "c1", back.Key())
	assert.Equal(t, "hi", back.Message.Content)
}
