package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/ws"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Transport is one websocket connection to /ws. Writes are serialized; Read must
// be called from a single goroutine.
type Transport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// wsURL turns the REST base URL into the websocket endpoint carrying the token.
func wsURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, baseURL, token string) (*Transport, error) {
	endpoint, err := wsURL(baseURL, token)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: DefaultRequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: websocket handshake status %d", apperr.ErrTransport, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	return &Transport{conn: conn}, nil
}

func (t *Transport) Send(env *ws.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	return nil
}

// Read blocks for the next frame. Control frames are answered by gorilla itself.
func (t *Transport) Read() (*ws.Envelope, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		return &env, nil
	}
}

func (t *Transport) Close() error {
	t.wmu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.wmu.Unlock()
	return t.conn.Close()
}
