package displaycore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var errStale = errors.New("no inbound frame within heartbeat timeout")

// Endpoint is the push-channel address plus the device identity carried in
// its query string.
type Endpoint struct {
	URL      string
	ScreenID string
	APIKey   string
}

// StreamURL returns URL with screenId and apiKey query parameters added.
func (e Endpoint) StreamURL() (string, error) {
	if e.URL == "" {
		return "", fmt.Errorf("endpoint url is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	q := u.Query()
	if e.ScreenID != "" {
		q.Set("screenId", e.ScreenID)
	}
	if e.APIKey != "" {
		q.Set("apiKey", e.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connWatcher is notified when handlers must be attached to a new Conn or
// forgotten because the Conn went away.
type connWatcher interface {
	connOpened(Conn)
	connReset()
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy sets the retry/health policy.
func WithPolicy(p ConnectionPolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

// WithManagerClock sets the scheduling clock.
func WithManagerClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l.With().Str("component", "connection").Logger() }
}

// ============================================================================
// Connection Manager
// ============================================================================

// Manager owns the single push-channel connection and drives its
// open/retry/close lifecycle.
type Manager struct {
	policy ConnectionPolicy
	dialer Dialer
	clock  Clock
	logger zerolog.Logger

	mu         sync.Mutex
	state      ConnectionState
	endpoint   Endpoint
	conn       Conn
	gen        uint64
	retryTimer Timer
	watchdog   *interval

	listeners    map[int]func(ConnectionState)
	nextListener int
	watchers     []connWatcher

	reconnecting atomic.Bool
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		policy:    AlertChannelPolicy(),
		clock:     SystemClock(),
		logger:    zerolog.Nop(),
		state:     ConnectionState{Status: StatusDisconnected},
		listeners: make(map[int]func(ConnectionState)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewAutoDialer(nil, m.logger)
	}
	return m
}

func (m *Manager) addWatcher(w connWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, w)
}

// Initialize opens the connection unless one is already Open or Connecting.
// Any stale connection is torn down first.
func (m *Manager) Initialize(ep Endpoint) error {
	streamURL, err := ep.StreamURL()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.endpoint = ep
	m.state.URL = streamURL
	if m.watchdog == nil && m.policy.HeartbeatTimeout > 0 {
		m.watchdog = every(m.clock, m.policy.HeartbeatTimeout/2, m.checkHealth)
	}
	m.mu.Unlock()

	m.apply(connInput{kind: inInitialize})
	return nil
}

// Reconnect force-closes any existing connection, forgets handler
// attachments and opens a fresh one. If the new connection does not report
// Open within the verification window it is retried up to
// policy.VerifyRetries times. Concurrent calls collapse into one.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	hasEndpoint := m.state.URL != ""
	m.mu.Unlock()
	if !hasEndpoint {
		return fmt.Errorf("reconnect: %w", ErrNotConnected)
	}

	m.logger.Info().Msg("forcing reconnect")
	m.apply(connInput{kind: inReconnect})

	for attempt := 0; ; attempt++ {
		if m.waitOpen(ctx, m.policy.VerifyWindow) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= m.policy.VerifyRetries {
			return fmt.Errorf("reconnect: not open after %d verification retries", attempt)
		}
		m.logger.Warn().Int("retry", attempt+1).Msg("reconnect not verified, retrying")
		if !m.sleep(ctx, m.policy.VerifyDelay) {
			return ctx.Err()
		}
		if m.Status().Status != StatusOpen {
			m.apply(connInput{kind: inReconnect})
		}
	}
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsHealthy reports whether the connection is Open and has seen an inbound
// frame within the heartbeat timeout.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *Manager) healthyLocked() bool {
	return m.state.Status == StatusOpen && m.clock.Now().Sub(m.state.LastEventAt) < m.policy.HeartbeatTimeout
}

// IsDegraded reports whether consecutive failures passed the warning threshold.
func (m *Manager) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ConsecutiveFailures > m.policy.FailureWarnThreshold
}

// AddStatusListener calls cb with the current state and on every transition.
func (m *Manager) AddStatusListener(cb func(ConnectionState)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = cb
	snap := m.state
	m.mu.Unlock()

	m.safeNotify(cb, snap)
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Send writes v over the live connection.
func (m *Manager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state.Status == StatusOpen
	m.mu.Unlock()
	if conn == nil || !open {
		return ErrNotConnected
	}
	return conn.Send(ctx, v)
}

// Cleanup closes the connection, stops every timer and drops all listeners.
func (m *Manager) Cleanup() {
	m.apply(connInput{kind: inCleanup})

	m.mu.Lock()
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.listeners = make(map[int]func(ConnectionState))
	m.mu.Unlock()
	m.logger.Info().Msg("connection manager cleaned up")
}

// ============================================================================
// Effect Executor
// ============================================================================

func (m *Manager) apply(in connInput) {
	var after []func()

	m.mu.Lock()
	if in.now.IsZero() {
		in.now = m.clock.Now()
	}
	switch in.kind {
	case inOpened:
		if in.gen != m.gen {
			m.mu.Unlock()
			in.conn.Close()
			return
		}
		m.conn = in.conn
	case inFailed, inRetryDue:
		if in.gen != m.gen {
			m.mu.Unlock()
			return
		}
	}

	prev := m.state
	next, effects := decide(m.state, in, m.policy)
	m.state = next

	for _, eff := range effects {
		switch eff.kind {
		case effCloseConn:
			m.gen++
			if old := m.conn; old != nil {
				m.conn = nil
				after = append(after, func() {
					if err := old.Close(); err != nil {
						m.logger.Debug().Err(err).Msg("close connection")
					}
				})
			}

		case effCancelRetry:
			if m.retryTimer != nil {
				m.retryTimer.Stop()
				m.retryTimer = nil
			}

		case effResetAttachments:
			watchers := append([]connWatcher(nil), m.watchers...)
			after = append(after, func() {
				for _, w := range watchers {
					w.connReset()
				}
			})

		case effDial:
			m.gen++
			gen, target := m.gen, m.state.URL
			after = append(after, func() { go m.dial(gen, target) })

		case effScheduleRetry:
			gen, delay, attempt := m.gen, eff.delay, next.ReconnectAttempts
			m.retryTimer = m.clock.AfterFunc(delay, func() {
				m.apply(connInput{kind: inRetryDue, gen: gen})
			})
			after = append(after, func() {
				m.logger.Warn().Str("error", next.LastError).Int("attempt", attempt).
					Dur("delay", delay).Msg("push channel closed, reconnect scheduled")
			})

		case effAttachHandlers:
			conn := m.conn
			watchers := append([]connWatcher(nil), m.watchers...)
			after = append(after, func() {
				for _, w := range watchers {
					w.connOpened(conn)
				}
			})

		case effWarnDegraded:
			failures := next.ConsecutiveFailures
			after = append(after, func() {
				m.logger.Warn().Int("consecutive_failures", failures).
					Msg("push channel degraded, fallback sync should stay active")
			})

		case effGiveUp:
			after = append(after, func() {
				m.logger.Error().Str("policy", m.policy.Name).Int("max_attempts", m.policy.MaxAttempts).
					Msg("reconnect attempts exhausted")
			})

		case effNotify:
			snap := next
			listeners := make([]func(ConnectionState), 0, len(m.listeners))
			for _, l := range m.listeners {
				listeners = append(listeners, l)
			}
			after = append(after, func() {
				if prev.Status != snap.Status {
					m.logger.Debug().Str("from", string(prev.Status)).Str("to", string(snap.Status)).Msg("status changed")
				}
				for _, l := range listeners {
					m.safeNotify(l, snap)
				}
			})
		}
	}
	m.mu.Unlock()

	for _, f := range after {
		f()
	}
}

func (m *Manager) dial(gen uint64, target string) {
	timeout := m.policy.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, target, ConnCallbacks{
		OnActivity: func() { m.touch(gen) },
		OnClose: func(err error) {
			m.apply(connInput{kind: inFailed, err: err, gen: gen})
		},
	})
	if err != nil {
		m.apply(connInput{kind: inFailed, err: err, gen: gen})
		return
	}
	m.apply(connInput{kind: inOpened, conn: conn, gen: gen})
}

func (m *Manager) touch(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.state.Status == StatusOpen {
		m.state.LastEventAt = m.clock.Now()
	}
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	stale := m.state.Status == StatusOpen && !m.healthyLocked()
	gen := m.gen
	m.mu.Unlock()
	if stale {
		m.apply(connInput{kind: inFailed, err: errStale, gen: gen})
	}
}

func (m *Manager) waitOpen(ctx context.Context, window time.Duration) bool {
	opened := make(chan struct{}, 1)
	unsubscribe := m.AddStatusListener(func(s ConnectionState) {
		if s.Status == StatusOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	return m.sleepUntil(ctx, window, opened)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	m.sleepUntil(ctx, d, nil)
	return ctx.Err() == nil
}

// sleepUntil waits for d on the manager clock, returning true early if
// signal fires.
func (m *Manager) sleepUntil(ctx context.Context, d time.Duration, signal <-chan struct{}) bool {
	elapsed := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(elapsed) })
	defer t.Stop()

	select {
	case <-signal:
		return true
	case <-elapsed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) safeNotify(cb func(ConnectionState), s ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("status listener panicked")
		}
	}()
	cb(s)
}
