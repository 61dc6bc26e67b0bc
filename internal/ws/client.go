package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"
)

// Conn is the part of a websocket connection the pumps use. Both the fiber
// and gorilla connections satisfy it.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single websocket connection.
type Client struct {
	ws      Conn
	send    chan []byte
	userID  string
	limiter *rate.Limiter
	opts    Options

	// guarded by Hub.mu
	rooms map[string]bool

	typingMu sync.Mutex
	typing   map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn Conn, userID string, opts Options) *Client {
	rps := opts.MessagesPerSecond
	if rps <= 0 {
		rps = 20
	}
	return &Client{
		ws:      conn,
		send:    make(chan []byte, 256),
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		opts:    opts,
		rooms:   make(map[string]bool),
		typing:  make(map[string]bool),
		done:    make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// enqueue never blocks. A false return means the client is gone or too slow.
func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) reply(env *Envelope) { c.enqueue(mustJSON(env)) }

// readPump reads frames until the connection fails and hands each one to handle.
func (c *Client) readPump(handle func(*Client, *Envelope)) {
	defer c.close()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// any frame proves liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.reply(errorEnvelope(&Envelope{}, "bad_frame", "malformed frame"))
			continue
		}
		if !c.limiter.Allow() {
			c.reply(errorEnvelope(&env, "rate_limited", "slow down"))
			continue
		}
		handle(c, &env)
	}
}

// writePump writes queued frames and pings on the interval.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Client) markTyping(conversationID string, on bool) (changed bool) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typing[conversationID] == on {
		return false
	}
	if on {
		c.typing[conversationID] = true
	} else {
		delete(c.typing, conversationID)
	}
	return true
}

func (c *Client) typingIn() []string {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	out := make([]string, 0, len(c.typing))
	for id := range c.typing {
		out = append(out, id)
	}
	c.typing = make(map[string]bool)
	return out
}

// close is safe to call from any goroutine, any number of times.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
