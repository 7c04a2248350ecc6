package displaycore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Default refresh intervals.
const (
	DefaultContentInterval     = 5 * time.Minute
	DefaultPrayerTimesInterval = time.Hour
	DefaultEventsInterval      = 15 * time.Minute
	DefaultHeartbeatInterval   = time.Minute

	maxQueuedAcks = 100
)

// pullDomains are the domains refreshed by SyncAll, in start order.
var pullDomains = []SyncDomain{DomainContent, DomainPrayerTimes, DomainEvents}

// Emitted by SyncEngine.On.
const (
	EventSyncStart        = "sync.start"
	EventSyncComplete     = "sync.complete"
	EventSyncError        = "sync.error"
	EventHeartbeatToggled = "heartbeat.toggled"
)

// SyncOption configures a SyncEngine.
type SyncOption func(*SyncEngine)

func WithSyncStore(s Store) SyncOption {
	return func(e *SyncEngine) { e.store = s }
}

func WithSyncClock(c Clock) SyncOption {
	return func(e *SyncEngine) { e.clock = c }
}

func WithSyncLogger(l zerolog.Logger) SyncOption {
	return func(e *SyncEngine) {
		e.logger = l.With().Str("component", "sync").Logger()
		e.emitter.logger = e.logger
	}
}

// WithSyncInterval sets the refresh period of one domain. Use
// DomainHeartbeat for the heartbeat period; a zero period disables it.
func WithSyncInterval(domain SyncDomain, d time.Duration) SyncOption {
	return func(e *SyncEngine) { e.intervals[domain] = d }
}

// WithCommandDispatcher receives commands returned by heartbeat responses.
func WithCommandDispatcher(d *Dispatcher) SyncOption {
	return func(e *SyncEngine) { e.dispatcher = d }
}

// ============================================================================
// Sync Engine
// ============================================================================

// SyncEngine refreshes each content domain on its own interval and sends a
// liveness heartbeat while the push channel is not Open.
type SyncEngine struct {
	*emitter

	client     *Client
	store      Store
	clock      Clock
	logger     zerolog.Logger
	dispatcher *Dispatcher
	intervals  map[SyncDomain]time.Duration
	startedAt  time.Time

	mu               sync.Mutex
	status           map[SyncDomain]*SyncDomainStatus
	markers          SyncMarkers
	running          bool
	paused           bool
	timers           []*interval
	heartbeatEnabled bool
	pushStatus       ConnectionStatus
	acks             []CommandAck
	ctx              context.Context
	cancel           context.CancelFunc
	inflight         sync.WaitGroup
}

// NewSyncEngine creates a stopped engine using client for every request.
func NewSyncEngine(client *Client, opts ...SyncOption) *SyncEngine {
	e := &SyncEngine{
		emitter: newEmitter(zerolog.Nop()),
		client:  client,
		store:   NewMemoryStore(),
		clock:   SystemClock(),
		logger:  zerolog.Nop(),
		intervals: map[SyncDomain]time.Duration{
			DomainContent:     DefaultContentInterval,
			DomainPrayerTimes: DefaultPrayerTimesInterval,
			DomainEvents:      DefaultEventsInterval,
			DomainHeartbeat:   DefaultHeartbeatInterval,
		},
		status:           make(map[SyncDomain]*SyncDomainStatus),
		markers:          make(SyncMarkers),
		heartbeatEnabled: true,
		pushStatus:       StatusDisconnected,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, d := range append(pullDomains, DomainHeartbeat) {
		e.status[d] = &SyncDomainStatus{}
	}
	e.startedAt = e.clock.Now()
	return e
}

// Start runs an immediate full sync in the background and starts the
// per-domain and heartbeat intervals. Calling Start twice is a no-op.
func (e *SyncEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.paused = false
	e.ctx, e.cancel = context.WithCancel(ctx)
	for _, d := range pullDomains {
		d := d
		if period := e.intervals[d]; period > 0 {
			e.timers = append(e.timers, every(e.clock, period, func() { e.tick(d) }))
		}
	}
	if period := e.intervals[DomainHeartbeat]; period > 0 {
		e.timers = append(e.timers, every(e.clock, period, e.heartbeatTick))
	}
	e.mu.Unlock()

	e.logger.Info().Msg("sync engine started")
	e.syncInBackground()
}

// Stop cancels every interval and in-flight request and waits for
// background syncs to return.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.cancel()
	e.mu.Unlock()

	e.inflight.Wait()
	e.logger.Info().Msg("sync engine stopped")
}

// Pause suspends interval-driven syncs. Intervals keep their schedule.
func (e *SyncEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume continues interval-driven syncs and triggers an immediate full sync.
func (e *SyncEngine) Resume() {
	e.mu.Lock()
	was := e.paused
	e.paused = false
	running := e.running
	e.mu.Unlock()
	if was && running {
		e.syncInBackground()
	}
}

// IsPaused reports whether interval-driven syncs are suspended.
func (e *SyncEngine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// DomainStatus returns a snapshot of one domain's lifecycle.
func (e *SyncEngine) DomainStatus(d SyncDomain) SyncDomainStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.status[d]; ok {
		return *st
	}
	return SyncDomainStatus{}
}

// ============================================================================
// Domain syncs
// ============================================================================

// SyncContent refreshes the content domain, skipping the fetch when the
// smart-sync marker is unchanged since the last successful fetch.
func (e *SyncEngine) SyncContent(ctx context.Context) SyncResult {
	return e.syncDomain(ctx, DomainContent, true)
}

func (e *SyncEngine) SyncPrayerTimes(ctx context.Context) SyncResult {
	return e.syncDomain(ctx, DomainPrayerTimes, false)
}

func (e *SyncEngine) SyncEvents(ctx context.Context) SyncResult {
	return e.syncDomain(ctx, DomainEvents, false)
}

// SyncAll refreshes every pull domain concurrently. One domain failing, or
// panicking, never affects another.
func (e *SyncEngine) SyncAll(ctx context.Context) []SyncResult {
	results := make([]SyncResult, len(pullDomains))
	var wg conc.WaitGroup
	for i, d := range pullDomains {
		i, d := i, d
		results[i] = SyncResult{Domain: d}
		wg.Go(func() {
			results[i] = e.syncDomain(ctx, d, d == DomainContent)
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		e.logger.Error().Err(r.AsError()).Msg("domain sync panicked")
	}
	return results
}

// ForceRefresh forgets smart-sync markers and cached HTTP validators, then
// refreshes every domain unconditionally.
func (e *SyncEngine) ForceRefresh(ctx context.Context) []SyncResult {
	e.mu.Lock()
	e.markers = make(SyncMarkers)
	e.mu.Unlock()
	e.client.ClearCache()
	e.logger.Info().Msg("forced refresh")
	return e.SyncAll(ctx)
}

func (e *SyncEngine) syncDomain(ctx context.Context, domain SyncDomain, smart bool) SyncResult {
	if !e.begin(domain) {
		return SyncResult{Domain: domain, Err: ErrSyncInProgress}
	}
	e.emit(EventSyncStart, domain)

	var marker string
	if smart {
		var skip bool
		marker, skip = e.checkMarker(ctx, domain)
		if skip {
			data, _ := e.loadStored(ctx, domain)
			e.end(domain, nil)
			e.logger.Debug().Str("domain", string(domain)).Msg("marker unchanged, skipping fetch")
			res := SyncResult{Domain: domain, Success: true, Data: data, FromCache: true}
			e.emit(EventSyncComplete, res)
			return res
		}
	}

	data, err := e.client.FetchDomain(ctx, domain)
	if err != nil {
		e.end(domain, err)
		e.logger.Warn().Err(err).Str("domain", string(domain)).Msg("sync failed")
		res := SyncResult{Domain: domain, Err: err}
		if cached, cerr := e.loadStored(ctx, domain); cerr == nil {
			res.Data = cached
			res.FromCache = true
		}
		e.emit(EventSyncError, res)
		return res
	}

	if err := e.store.Set(ctx, keySyncPrefix+string(domain), data); err != nil {
		e.logger.Warn().Err(err).Str("domain", string(domain)).Msg("cannot persist payload")
	}
	e.mu.Lock()
	if smart && marker != "" {
		e.markers[domain] = marker
	}
	e.mu.Unlock()
	e.end(domain, nil)

	res := SyncResult{Domain: domain, Success: true, Data: data}
	e.emit(EventSyncComplete, res)
	return res
}

// checkMarker queries the status endpoint. It reports skip=true only when a
// baseline exists and the marker is unchanged; any lookup failure proceeds
// with the fetch.
func (e *SyncEngine) checkMarker(ctx context.Context, domain SyncDomain) (string, bool) {
	markers, err := e.client.FetchSyncMarkers(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("smart-sync check failed, fetching anyway")
		return "", false
	}
	marker := markers[domain]
	e.mu.Lock()
	prev, ok := e.markers[domain]
	e.mu.Unlock()
	return marker, ok && marker != "" && marker == prev
}

func (e *SyncEngine) loadStored(ctx context.Context, domain SyncDomain) (json.RawMessage, error) {
	data, err := e.store.Get(ctx, keySyncPrefix+string(domain))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// begin marks domain as loading, returning false if it already was.
func (e *SyncEngine) begin(domain SyncDomain) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status[domain]
	if st.IsLoading {
		return false
	}
	st.IsLoading = true
	return true
}

func (e *SyncEngine) end(domain SyncDomain, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status[domain]
	st.IsLoading = false
	if err != nil {
		st.Error = err.Error()
		return
	}
	st.Error = ""
	st.LastSyncedAt = e.clock.Now()
}

func (e *SyncEngine) tick(domain SyncDomain) {
	ctx, ok := e.activeContext()
	if !ok {
		return
	}
	e.syncDomain(ctx, domain, domain == DomainContent)
}

func (e *SyncEngine) activeContext() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return nil, false
	}
	return e.ctx, true
}

func (e *SyncEngine) syncInBackground() {
	e.inBackground(func(ctx context.Context) { e.SyncAll(ctx) })
}

// inBackground runs fn on the engine context, tracked by Stop. It does
// nothing while the engine is stopped.
func (e *SyncEngine) inBackground(fn func(ctx context.Context)) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		fn(ctx)
	}()
}

// ============================================================================
// Heartbeat
// ============================================================================

// SetPushStatus toggles the HTTP heartbeat: disabled while push is Open,
// enabled otherwise.
func (e *SyncEngine) SetPushStatus(status ConnectionStatus) {
	e.mu.Lock()
	e.pushStatus = status
	enabled := status != StatusOpen
	changed := enabled != e.heartbeatEnabled
	e.heartbeatEnabled = enabled
	e.mu.Unlock()

	if changed {
		e.logger.Info().Bool("enabled", enabled).Str("push_status", string(status)).Msg("http heartbeat toggled")
		e.emit(EventHeartbeatToggled, enabled)
	}
}

// HeartbeatEnabled reports whether interval heartbeats are sent.
func (e *SyncEngine) HeartbeatEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeatEnabled
}

// QueueAck holds ack until the next heartbeat. The oldest acks are dropped
// once the queue is full.
func (e *SyncEngine) QueueAck(ack CommandAck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acks = capAcks(append(e.acks, ack))
}

// capAcks keeps the newest maxQueuedAcks entries.
func capAcks(acks []CommandAck) []CommandAck {
	if n := len(acks); n > maxQueuedAcks {
		return append([]CommandAck(nil), acks[n-maxQueuedAcks:]...)
	}
	return acks
}

// SendHeartbeat posts liveness with queued acks and forwards any returned
// commands to the dispatcher. Acks are re-queued if the post fails.
func (e *SyncEngine) SendHeartbeat(ctx context.Context) SyncResult {
	if !e.begin(DomainHeartbeat) {
		return SyncResult{Domain: DomainHeartbeat, Err: ErrSyncInProgress}
	}

	e.mu.Lock()
	acks := e.acks
	e.acks = nil
	e.mu.Unlock()

	resp, err := e.client.SendHeartbeat(ctx, &HeartbeatRequest{
		Status:  "online",
		Metrics: e.metrics(),
		Acks:    acks,
	})
	if err != nil {
		e.mu.Lock()
		e.acks = capAcks(append(acks, e.acks...))
		e.mu.Unlock()
		e.end(DomainHeartbeat, err)
		e.logger.Warn().Err(err).Msg("heartbeat failed")
		return SyncResult{Domain: DomainHeartbeat, Err: err}
	}
	e.end(DomainHeartbeat, nil)

	if len(resp.Commands) > 0 {
		e.logger.Info().Int("commands", len(resp.Commands)).Msg("heartbeat returned commands")
	}
	for _, cmd := range resp.Commands {
		if e.dispatcher == nil {
			e.logger.Warn().Str("command_id", cmd.CommandID).Msg("no dispatcher, dropping command")
			continue
		}
		e.dispatcher.Handle(ctx, cmd)
	}
	return SyncResult{Domain: DomainHeartbeat, Success: true}
}

func (e *SyncEngine) heartbeatTick() {
	ctx, ok := e.activeContext()
	if !ok || !e.HeartbeatEnabled() {
		return
	}
	e.SendHeartbeat(ctx)
}

func (e *SyncEngine) metrics() DeviceMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	e.mu.Lock()
	defer e.mu.Unlock()
	return DeviceMetrics{
		UptimeSeconds:  int64(e.clock.Now().Sub(e.startedAt) / time.Second),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		PushStatus:     e.pushStatus,
		LastSyncAt:     e.status[DomainContent].LastSyncedAt,
	}
}

// LastKnown returns the last payload persisted for domain.
func (e *SyncEngine) LastKnown(ctx context.Context, domain SyncDomain) (json.RawMessage, error) {
	data, err := e.loadStored(ctx, domain)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("no stored %s payload: %w", domain, err)
	}
	return data, err
}
