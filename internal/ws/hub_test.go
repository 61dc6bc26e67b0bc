package ws

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fathima-sithara/messaging-service/internal/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parkedClient(h *Hub, userID string, rooms ...string) (*Client, *fakeConn) {
	fc := newFakeConn()
	c := newClient(fc, userID, DefaultOptions())
	h.Register(c)
	h.Join(c, rooms...)
	return c, fc
}

func TestRegisterReportsFirstAndLastSocket(t *testing.T) {
	h, err := NewHub(nil, "a", logger.Nop())
	require.NoError(t, err)
	defer h.Shutdown()

	c1 := newClient(newFakeConn(), "alice", DefaultOptions())
	c2 := newClient(newFakeConn(), "alice", DefaultOptions())
	assert.True(t, h.Register(c1))
	assert.False(t, h.Register(c2))
	h.Join(c1, "conv")
	h.Join(c2, "conv")
	assert.Equal(t, 2, h.ConnectionCount())

	assert.False(t, h.Unregister(c1))
	assert.True(t, h.Connected("alice"))
	assert.True(t, h.Unregister(c2))
	assert.False(t, h.Connected("alice"))
	assert.Empty(t, h.roomClients("conv"))
	// unregistering twice is harmless
	assert.False(t, h.Unregister(c2))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h, err := NewHub(nil, "a", logger.Nop())
	require.NoError(t, err)
	defer h.Shutdown()

	// no write pump, so nothing drains the queue
	slow, fc := parkedClient(h, "bob", "conv")
	for i := 0; i < cap(slow.send)+1; i++ {
		h.BroadcastToConversation("conv", &Envelope{Type: TypeUserTyping}, "")
	}
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client was not closed")
	}
	assert.True(t, fc.isClosed())
	assert.False(t, slow.enqueue([]byte("late")))
}

func TestBroadcastSkipsExceptedUser(t *testing.T) {
	h, err := NewHub(nil, "a", logger.Nop())
	require.NoError(t, err)
	defer h.Shutdown()

	alice, _ := parkedClient(h, "alice", "conv")
	bob, _ := parkedClient(h, "bob", "conv")
	h.BroadcastToConversation("conv", &Envelope{Type: TypeUserTyping}, "alice")
	assert.Len(t, alice.send, 0)
	assert.Len(t, bob.send, 1)
}

func TestRelayAcrossInstancesWithoutEcho(t *testing.T) {
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	a, err := NewHub(rdbA, "a", logger.Nop())
	require.NoError(t, err)
	defer a.Shutdown()
	b, err := NewHub(rdbB, "b", logger.Nop())
	require.NoError(t, err)
	defer b.Shutdown()

	onA, _ := parkedClient(a, "alice", "conv")
	onB, _ := parkedClient(b, "bob", "conv")

	a.BroadcastToConversation("conv", NewEnvelope(TypeUserTyping, "conv", UserPayload{UserID: "alice"}), "")
	assert.Eventually(t, func() bool { return len(onB.send) == 1 }, 2*time.Second, 10*time.Millisecond)

	b.SendToUser("alice", &Envelope{Type: TypePong})
	assert.Eventually(t, func() bool { return len(onA.send) == 2 }, 2*time.Second, 10*time.Millisecond)

	// the origin never hears its own frames back
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, onA.send, 2)
	assert.Len(t, onB.send, 1)
}

func TestJoinUsersRelaysToOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	a, err := NewHub(rdbA, "a", logger.Nop())
	require.NoError(t, err)
	defer a.Shutdown()
	b, err := NewHub(rdbB, "b", logger.Nop())
	require.NoError(t, err)
	defer b.Shutdown()

	parkedClient(b, "bob")
	a.JoinUsers("new-conv", []string{"bob"})
	assert.Eventually(t, func() bool { return len(b.roomClients("new-conv")) == 1 }, 2*time.Second, 10*time.Millisecond)
}
