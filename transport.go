package displaycore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Transport Interfaces
// ============================================================================

// ConnCallbacks are invoked by a Conn from its read goroutine.
type ConnCallbacks struct {
	// OnActivity fires for every inbound frame, keep-alive comments included.
	OnActivity func()
	// OnClose fires once when the read loop ends for any reason other than
	// a local Close.
	OnClose func(err error)
}

// Conn is one open push-channel connection. Handlers attached to a Conn do
// not survive it; a new Conn starts with an empty handler table.
type Conn interface {
	// AddHandler attaches h for eventType. Untyped frames are delivered to
	// handlers attached for EventMessage and, when their type can be
	// inferred, to handlers attached for that type.
	AddHandler(eventType string, h HandlerFunc) (remove func())
	Send(ctx context.Context, v any) error
	Close() error
}

// Dialer opens Conns. Dial returns once the connection is open.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, cb ConnCallbacks) (Conn, error)
}

// ============================================================================
// Handler Table
// ============================================================================

type handlerTable struct {
	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]HandlerFunc
	logger   zerolog.Logger
}

func newHandlerTable(logger zerolog.Logger) *handlerTable {
	return &handlerTable{handlers: make(map[string]map[int]HandlerFunc), logger: logger}
}

func (t *handlerTable) add(eventType string, h HandlerFunc) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	if t.handlers[eventType] == nil {
		t.handlers[eventType] = make(map[int]HandlerFunc)
	}
	t.handlers[eventType][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.handlers[eventType], id)
			if len(t.handlers[eventType]) == 0 {
				delete(t.handlers, eventType)
			}
		})
	}
}

func (t *handlerTable) count(eventType string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[eventType])
}

// deliver dispatches f to the handlers attached for its type. An untyped
// frame goes to EventMessage handlers and, when it carries a discriminator,
// also to the handlers attached for the inferred type.
func (t *handlerTable) deliver(f Frame, at time.Time) {
	var evs []Event
	switch fr := f.(type) {
	case TypedFrame:
		evs = append(evs, Event{Type: fr.EventType, Data: fr.Body, ReceivedAt: at})
	case UntypedFrame:
		evs = append(evs, Event{Type: EventMessage, Data: fr.Body, Untyped: true, ReceivedAt: at})
		if fr.Inferred != "" && fr.Inferred != EventMessage {
			evs = append(evs, Event{Type: fr.Inferred, Data: fr.Body, Untyped: true, ReceivedAt: at})
		}
	default:
		return
	}

	for _, ev := range evs {
		t.mu.RLock()
		hs := make([]HandlerFunc, 0, len(t.handlers[ev.Type]))
		for _, h := range t.handlers[ev.Type] {
			hs = append(hs, h)
		}
		t.mu.RUnlock()

		for _, h := range hs {
			safeHandle(t.logger, h, ev)
		}
	}
}

func safeHandle(logger zerolog.Logger, h HandlerFunc, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("event", ev.Type).Msg("event handler panicked")
		}
	}()
	h(ev)
}

// ============================================================================
// SSE Transport
// ============================================================================

// SSEDialer opens server-sent event streams.
type SSEDialer struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type sseConn struct {
	cancel   context.CancelFunc
	body     io.ReadCloser
	handlers *handlerTable
	cb       ConnCallbacks
	closed   atomic.Bool
}

// Dial connects to rawURL and starts reading events.
func (d *SSEDialer) Dial(ctx context.Context, rawURL string, cb ConnCallbacks) (Conn, error) {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	established := make(chan struct{})
	defer close(established)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-established:
		}
	}()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	c := &sseConn{
		cancel:   cancel,
		body:     resp.Body,
		handlers: newHandlerTable(d.Logger),
		cb:       cb,
	}
	go c.readLoop()
	return c, nil
}

func (c *sseConn) AddHandler(eventType string, h HandlerFunc) func() {
	return c.handlers.add(eventType, h)
}

func (c *sseConn) Send(context.Context, any) error {
	return ErrSendUnsupported
}

func (c *sseConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.body.Close()
}

func (c *sseConn) readLoop() {
	defer c.body.Close()

	var (
		eventType string
		data      strings.Builder
	)
	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if c.cb.OnActivity != nil {
			c.cb.OnActivity()
		}

		switch {
		case line == "":
			if data.Len() > 0 {
				c.handlers.deliver(DecodeFrame(eventType, []byte(data.String())), time.Now())
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if c.closed.Load() {
		return
	}
	c.closed.Store(true)
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(fmt.Errorf("stream ended: %w", err))
	}
}

// ============================================================================
// Scheme Selection
// ============================================================================

// AutoDialer picks the WebSocket dialer for ws/wss URLs and SSE otherwise.
type AutoDialer struct {
	SSE *SSEDialer
	WS  *WSDialer
}

// NewAutoDialer builds both dialers around one HTTP client.
func NewAutoDialer(httpClient *http.Client, logger zerolog.Logger) *AutoDialer {
	return &AutoDialer{
		SSE: &SSEDialer{HTTPClient: httpClient, Logger: logger},
		WS:  &WSDialer{HTTPClient: httpClient, Logger: logger},
	}
}

// Dial dispatches on the URL scheme.
func (d *AutoDialer) Dial(ctx context.Context, rawURL string, cb ConnCallbacks) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return d.WS.Dial(ctx, rawURL, cb)
	default:
		return d.SSE.Dial(ctx, rawURL, cb)
	}
}
