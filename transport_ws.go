package displaycore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// wsEnvelope is the tagged frame shape on the WebSocket transport. Messages
// that do not carry "event" are treated as untyped.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WSDialer opens WebSocket push connections.
type WSDialer struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// ReadLimit caps a single inbound message. Defaults to 1 MiB.
	ReadLimit int64
}

type wsConn struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	handlers *handlerTable
	cb       ConnCallbacks
	closed   atomic.Bool
}

// Dial performs the WebSocket handshake and starts the read loop.
func (d *WSDialer) Dial(ctx context.Context, rawURL string, cb ConnCallbacks) (Conn, error) {
	opts := &websocket.DialOptions{}
	if d.HTTPClient != nil {
		// the websocket library rejects clients with a Timeout; the dial
		// context bounds the handshake instead
		hc := *d.HTTPClient
		hc.Timeout = 0
		opts.HTTPClient = &hc
	}

	conn, _, err := websocket.Dial(ctx, rawURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:     conn,
		cancel:   cancel,
		handlers: newHandlerTable(d.Logger),
		cb:       cb,
	}
	go c.readLoop(connCtx)
	return c, nil
}

func (c *wsConn) AddHandler(eventType string, h HandlerFunc) func() {
	return c.handlers.add(eventType, h)
}

// Send writes v as a JSON text message.
func (c *wsConn) Send(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (c *wsConn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if c.closed.Swap(true) {
				return
			}
			c.cancel()
			if c.cb.OnClose != nil {
				c.cb.OnClose(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		if c.cb.OnActivity != nil {
			c.cb.OnActivity()
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) == nil && env.Event != "" {
			c.handlers.deliver(DecodeFrame(env.Event, env.Data), time.Now())
			continue
		}
		c.handlers.deliver(DecodeFrame("", data), time.Now())
	}
}
