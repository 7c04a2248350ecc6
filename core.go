package displaycore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventOrientationChanged is emitted by Core.On with the raw orientation payload.
const EventOrientationChanged = "orientation"

// Config assembles a Core. Credentials and BaseURL are required.
type Config struct {
	Credentials CredentialSource
	// BaseURL is the HTTP API root.
	BaseURL string
	// StreamURL is the push-channel endpoint; ws/wss selects WebSocket,
	// anything else SSE. Empty disables push and leaves pull sync only.
	StreamURL string

	Store         Store
	Executor      Executor
	CommandSecret string
	Policy        *ConnectionPolicy
	Intervals     map[SyncDomain]time.Duration
	HTTPTimeout   time.Duration
	HTTP2         bool

	// Dialer and Clock override the defaults, mainly for tests.
	Dialer Dialer
	Clock  Clock
	Logger zerolog.Logger
}

// Core wires the connectivity components together and owns their
// lifecycle. Each component is built once per Core.
type Core struct {
	*emitter

	Client     *Client
	Manager    *Manager
	Registry   *Registry
	Alerts     *AlertManager
	Dispatcher *Dispatcher
	Sync       *SyncEngine

	creds     CredentialSource
	streamURL string
	logger    zerolog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	pushLost bool
	unsubs   []func()
}

// New builds every component from cfg without starting any network activity.
func New(cfg Config) (*Core, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	policy := AlertChannelPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	logger := cfg.Logger

	clientOpts := []ClientOption{WithBaseURL(cfg.BaseURL), WithClientLogger(logger)}
	if cfg.HTTP2 {
		clientOpts = append(clientOpts, WithHTTP2())
	}
	if cfg.HTTPTimeout > 0 {
		clientOpts = append(clientOpts, WithTimeout(cfg.HTTPTimeout))
	}
	client := NewClient(cfg.Credentials.Credentials(), clientOpts...)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewAutoDialer(client.HTTPClient(), logger)
	}
	manager := NewManager(
		WithPolicy(policy),
		WithDialer(dialer),
		WithManagerClock(clock),
		WithManagerLogger(logger),
	)

	c := &Core{
		emitter:   newEmitter(logger),
		Client:    client,
		Manager:   manager,
		Registry:  NewRegistry(manager, logger),
		creds:     cfg.Credentials,
		streamURL: cfg.StreamURL,
		logger:    logger.With().Str("component", "core").Logger(),
	}

	c.Alerts = NewAlertManager(
		WithAlertStore(store),
		WithAlertClock(clock),
		WithAlertLogger(logger),
	)

	dispatcherOpts := []DispatcherOption{
		WithAcknowledger(AcknowledgerFunc(c.acknowledge)),
		WithDispatcherClock(clock),
		WithDispatcherLogger(logger),
	}
	if cfg.CommandSecret != "" {
		dispatcherOpts = append(dispatcherOpts, WithCommandSecret(cfg.CommandSecret))
	}
	c.Dispatcher = NewDispatcher(cfg.Executor, dispatcherOpts...)

	syncOpts := []SyncOption{
		WithSyncStore(store),
		WithSyncClock(clock),
		WithSyncLogger(logger),
		WithCommandDispatcher(c.Dispatcher),
	}
	for d, period := range cfg.Intervals {
		syncOpts = append(syncOpts, WithSyncInterval(d, period))
	}
	c.Sync = NewSyncEngine(client, syncOpts...)

	return c, nil
}

// Start registers the push handlers, opens the push channel and starts the
// sync engine.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.track(
		c.Registry.Register(EventEmergencyAlert, c.Alerts.HandleEvent),
		c.Registry.Register(EventRemoteCommand, c.Dispatcher.HandleEvent),
		c.Registry.Register(EventOrientation, func(ev Event) {
			c.emit(EventOrientationChanged, ev.Payload())
		}),
		c.Registry.Register(EventContentUpdated, func(Event) {
			c.Sync.inBackground(func(ctx context.Context) { c.Sync.SyncContent(ctx) })
		}),
		c.Manager.AddStatusListener(c.onStatus),
		c.creds.OnLogout(c.Cleanup),
	)

	creds := c.creds.Credentials()
	c.Client.SetCredentials(creds)
	c.Sync.Start(ctx)

	if c.streamURL == "" {
		c.logger.Info().Msg("no stream url, running on pull sync only")
		return nil
	}
	if err := c.Manager.Initialize(Endpoint{URL: c.streamURL, ScreenID: creds.ScreenID, APIKey: creds.APIKey}); err != nil {
		return fmt.Errorf("initialize push channel: %w", err)
	}
	return nil
}

// Cleanup stops every timer, closes the push channel and clears the current
// alert. It is run automatically on logout.
func (c *Core) Cleanup() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.pushLost = false
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.Sync.Stop()
	c.Manager.Cleanup()
	c.Registry.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	c.Alerts.ClearAlert(ctx, WildcardAlertID)
	c.Client.ClearCache()
	c.logger.Info().Msg("core cleaned up")
}

// Close stops the core but keeps the persisted alert for the next process.
// A closed core cannot be started again.
func (c *Core) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.started = false
	c.closed = true
	c.pushLost = false
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.Sync.Stop()
	c.Manager.Cleanup()
	c.Alerts.Close()
	c.emitter.removeAll()
}

// HTTPClient returns the client shared by sync requests and the push dialers.
func (c *Core) HTTPClient() *http.Client {
	return c.Client.HTTPClient()
}

func (c *Core) track(unsubs ...func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, unsubs...)
}

// onStatus keeps the HTTP heartbeat in step with push health and catches up
// on content missed while push was down.
func (c *Core) onStatus(s ConnectionState) {
	c.mu.Lock()
	if s.Status == StatusClosed {
		c.pushLost = true
	}
	catchUp := s.Status == StatusOpen && c.pushLost
	if s.Status == StatusOpen {
		c.pushLost = false
	}
	c.mu.Unlock()

	c.Sync.SetPushStatus(s.Status)
	if catchUp {
		c.logger.Info().Msg("push channel restored, catching up")
		c.Sync.syncInBackground()
	}
}

// acknowledge sends ack over the push channel when it can carry it and
// queues it for the next heartbeat otherwise.
func (c *Core) acknowledge(ctx context.Context, ack CommandAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	err = c.Manager.Send(ctx, wsEnvelope{Event: EventCommandAck, Data: data})
	if err == nil {
		return nil
	}
	c.logger.Debug().Err(err).Str("command_id", ack.CommandID).Msg("queueing ack for heartbeat")
	c.Sync.QueueAck(ack)
	return nil
}
