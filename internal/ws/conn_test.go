package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/events"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/fathima-sithara/messaging-service/internal/service"
	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory peer. Tests write frames into in and read what the server wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) Close() error                      { f.once.Do(func() { close(f.closed) }); return nil }
func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(t int, b []byte) error {
	if t != websocket.TextMessage {
		return nil
	}
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	select {
	case f.out <- b:
		return nil
	case <-f.closed:
		return errConnClosed
	}
}

func (f *fakeConn) write(t *testing.T, env *Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	f.in <- b
}

// expect returns the next frame of type typ, skipping others.
func (f *fakeConn) expect(t *testing.T, typ string) *Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-f.out:
			var env Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			if env.Type == typ {
				return &env
			}
		case <-deadline:
			t.Fatalf("no %s frame within 2s", typ)
			return nil
		}
	}
}

// never fails if a frame of type typ arrives within wait.
func (f *fakeConn) never(t *testing.T, typ string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case b := <-f.out:
			var env Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			if env.Type == typ {
				t.Fatalf("unexpected %s frame: %s", typ, b)
			}
		case <-deadline:
			return
		}
	}
}

type harness struct {
	hub     *Hub
	handler *Handler
	svc     *service.ConversationService
	store   *repository.MemoryStore
	tracker *presence.MemoryTracker
}

func newHarness(t *testing.T, opts Options, typingTimeout time.Duration) *harness {
	t.Helper()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	tracker := presence.NewMemoryTracker(typingTimeout)
	bus := events.NewLocalBus(256, log)
	svc := service.NewConversationService(store, bus, tracker, log)

	hub, err := NewHub(nil, "test", log)
	require.NoError(t, err)
	h := NewHandler(hub, svc, tracker, opts, log)
	bus.Subscribe("ws", h.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = bus.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.Close()
		hub.Shutdown()
		tracker.Close()
	})
	return &harness{hub: hub, handler: h, svc: svc, store: store, tracker: tracker}
}

func testOptions() Options {
	o := DefaultOptions()
	o.OfflineGrace = 50 * time.Millisecond
	o.MessagesPerSecond = 100
	return o
}

// connect serves a fake socket for userID and waits until its read loop is live.
func (h *harness) connect(t *testing.T, userID string) *fakeConn {
	t.Helper()
	fc := newFakeConn()
	go h.handler.Serve(fc, userID)
	fc.write(t, &Envelope{Type: TypePing})
	fc.expect(t, TypePong)
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

func (h *harness) direct(t *testing.T, a, b string) *domain.Conversation {
	t.Helper()
	c, _, err := h.svc.CreateConversation(context.Background(), service.CreateConversationInput{
		CreatorID:      a,
		ParticipantIDs: []string{b},
		Type:           domain.ConversationDirect,
	})
	require.NoError(t, err)
	return c
}
