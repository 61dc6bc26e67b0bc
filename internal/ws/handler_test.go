package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendFrame(conv, tempID, content string) *Envelope {
	env := NewEnvelope(TypeSendMessage, conv, SendMessagePayload{Content: content})
	env.TempID = tempID
	return env
}

func TestSendMessageReachesRoomAndStampsDelivery(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, sendFrame(conv.ID, "tmp-1", "hi bob"))

	got := bob.expect(t, TypeNewMessage)
	assert.Equal(t, conv.ID, got.ConversationID)
	assert.Equal(t, "tmp-1", got.TempID)
	var m domain.Message
	require.NoError(t, json.Unmarshal(got.Payload, &m))
	assert.Equal(t, "hi bob", m.Content)
	assert.Equal(t, "alice", m.SenderID)

	// the sender sees its own message with the temp id to reconcile
	echo := alice.expect(t, TypeNewMessage)
	assert.Equal(t, "tmp-1", echo.TempID)

	receipt := alice.expect(t, TypeMessageDelivered)
	var p DeliveredPayload
	require.NoError(t, json.Unmarshal(receipt.Payload, &p))
	assert.Equal(t, m.ID, p.MessageID)
	assert.Equal(t, "bob", p.UserID)

	stored, err := h.store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.NotNil(t, stored.DeliveredAt)
}

func TestSendMessageRetryWithSameTempIDIsStoredOnce(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, sendFrame(conv.ID, "tmp-dup", "once"))
	first := alice.expect(t, TypeNewMessage)
	bob.expect(t, TypeNewMessage)

	// the first echo is lost with the socket; the retry arrives on a new one
	require.NoError(t, alice.Close())
	again := h.connect(t, "alice")
	again.write(t, sendFrame(conv.ID, "tmp-dup", "once"))

	ack := again.expect(t, TypeNewMessage)
	assert.Equal(t, "tmp-dup", ack.TempID)
	var m, acked domain.Message
	require.NoError(t, json.Unmarshal(first.Payload, &m))
	require.NoError(t, json.Unmarshal(ack.Payload, &acked))
	assert.Equal(t, m.ID, acked.ID)
	bob.never(t, TypeNewMessage, 150*time.Millisecond)

	msgs, err := h.svc.GetMessages(context.Background(), conv.ID, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
}

func TestSendMessageErrorsCarryTempID(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	mallory := h.connect(t, "mallory")
	alice := h.connect(t, "alice")

	tests := []struct {
		name string
		conn *fakeConn
		env  *Envelope
		code string
	}{
		{"not a member", mallory, sendFrame(conv.ID, "t1", "hello"), "forbidden"},
		{"empty content", alice, sendFrame(conv.ID, "t2", "   "), "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.conn.write(t, tt.env)
			got := tt.conn.expect(t, TypeError)
			assert.Equal(t, tt.env.TempID, got.TempID)
			var p ErrorPayload
			require.NoError(t, json.Unmarshal(got.Payload, &p))
			assert.Equal(t, tt.code, p.Code)
		})
	}
}

func TestTypingIsRelayedToOthersAndExpires(t *testing.T) {
	h := newHarness(t, testOptions(), 80*time.Millisecond)
	conv := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, &Envelope{Type: TypeTypingStart, ConversationID: conv.ID})
	got := bob.expect(t, TypeUserTyping)
	var p UserPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "alice", p.UserID)

	stopped := bob.expect(t, TypeUserStoppedTyping)
	require.NoError(t, json.Unmarshal(stopped.Payload, &p))
	assert.Equal(t, "alice", p.UserID)

	alice.never(t, TypeUserTyping, 100*time.Millisecond)
}

func TestTypingStopIsBroadcast(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, &Envelope{Type: TypeTypingStart, ConversationID: conv.ID})
	bob.expect(t, TypeUserTyping)
	alice.write(t, &Envelope{Type: TypeTypingStop, ConversationID: conv.ID})
	bob.expect(t, TypeUserStoppedTyping)

	typing, err := h.tracker.Typing(context.Background(), conv.ID, "")
	require.NoError(t, err)
	assert.Empty(t, typing)
}

func TestPresenceOnlineAndOfflineAfterGrace(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	online := alice.expect(t, TypeUserOnline)
	var p UserPayload
	require.NoError(t, json.Unmarshal(online.Payload, &p))
	assert.Equal(t, "bob", p.UserID)

	require.NoError(t, bob.Close())
	offline := alice.expect(t, TypeUserOffline)
	require.NoError(t, json.Unmarshal(offline.Payload, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.NotNil(t, p.LastSeen)

	st, err := h.tracker.Presence(context.Background(), []string{"bob"})
	require.NoError(t, err)
	assert.False(t, st["bob"].Online)
}

func TestReconnectInsideGraceStaysOnline(t *testing.T) {
	opts := testOptions()
	opts.OfflineGrace = 300 * time.Millisecond
	h := newHarness(t, opts, presence.DefaultTypingTimeout)
	h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	alice.expect(t, TypeUserOnline)

	require.NoError(t, bob.Close())
	h.connect(t, "bob")

	alice.never(t, TypeUserOffline, 500*time.Millisecond)
	st, err := h.tracker.Presence(context.Background(), []string{"bob"})
	require.NoError(t, err)
	assert.True(t, st["bob"].Online)
}

func TestJoinRequiresMembership(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	mallory := h.connect(t, "mallory")

	mallory.write(t, &Envelope{Type: TypeJoinConversation, ConversationID: conv.ID})
	got := mallory.expect(t, TypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "not_found", p.Code)
	assert.Empty(t, h.hub.roomClients(conv.ID))
}

func TestLeaveStopsRoomFrames(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	bob.write(t, &Envelope{Type: TypeLeaveConversation, ConversationID: conv.ID})
	bob.write(t, &Envelope{Type: TypePing})
	bob.expect(t, TypePong)

	alice.write(t, sendFrame(conv.ID, "t", "anyone?"))
	alice.expect(t, TypeNewMessage)
	bob.never(t, TypeNewMessage, 150*time.Millisecond)
}

func TestNewConversationJoinsConnectedParticipants(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	conv := h.direct(t, "alice", "bob")
	assert.Eventually(t, func() bool { return len(h.hub.roomClients(conv.ID)) == 2 }, time.Second, 10*time.Millisecond)

	alice.write(t, sendFrame(conv.ID, "t", "fresh room"))
	bob.expect(t, TypeNewMessage)
}

func TestReadAndEditEventsReachRoom(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	conv := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	ctx := context.Background()

	alice.write(t, sendFrame(conv.ID, "t", "typo"))
	created := bob.expect(t, TypeNewMessage)
	var m domain.Message
	require.NoError(t, json.Unmarshal(created.Payload, &m))

	_, err := h.svc.MarkRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	read := alice.expect(t, TypeMessageRead)
	var rp ReadPayload
	require.NoError(t, json.Unmarshal(read.Payload, &rp))
	assert.Equal(t, "bob", rp.UserID)

	_, err = h.svc.EditMessage(ctx, conv.ID, m.ID, "alice", "fixed")
	require.NoError(t, err)
	updated := bob.expect(t, TypeMessageUpdated)
	require.NoError(t, json.Unmarshal(updated.Payload, &m))
	assert.Equal(t, "fixed", m.Content)
	assert.True(t, m.IsEdited)

	_, err = h.svc.DeleteMessage(ctx, conv.ID, m.ID, "alice")
	require.NoError(t, err)
	deleted := bob.expect(t, TypeMessageDeleted)
	require.NoError(t, json.Unmarshal(deleted.Payload, &m))
	assert.True(t, m.IsDeleted)
	assert.Empty(t, m.Content)
}

func TestInboundFramesAreRateLimited(t *testing.T) {
	opts := testOptions()
	opts.MessagesPerSecond = 1
	h := newHarness(t, opts, presence.DefaultTypingTimeout)
	fc := newFakeConn()
	go h.handler.Serve(fc, "alice")
	t.Cleanup(func() { _ = fc.Close() })

	for i := 0; i < 3; i++ {
		fc.write(t, &Envelope{Type: TypePing})
	}
	fc.expect(t, TypePong)
	got := fc.expect(t, TypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "rate_limited", p.Code)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	fc := h.connect(t, "alice")

	fc.in <- []byte("{not json")
	got := fc.expect(t, TypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "bad_frame", p.Code)

	fc.write(t, &Envelope{Type: "dance"})
	got = fc.expect(t, TypeError)
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "unknown_type", p.Code)
}

func TestNotifyUserReachesEverySocket(t *testing.T) {
	h := newHarness(t, testOptions(), presence.DefaultTypingTimeout)
	phone := h.connect(t, "alice")
	laptop := h.connect(t, "alice")

	h.hub.NotifyUser("alice", &domain.Notification{ID: "n1", UserID: "alice", Title: "hi"})
	for _, fc := range []*fakeConn{phone, laptop} {
		got := fc.expect(t, TypeNotification)
		var n domain.Notification
		require.NoError(t, json.Unmarshal(got.Payload, &n))
		assert.Equal(t, "n1", n.ID)
	}
}
