package displaycore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeCredentials struct {
	creds Credentials

	mu        sync.Mutex
	next      int
	listeners map[int]func()
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{creds: testCreds, listeners: make(map[int]func())}
}

func (f *fakeCredentials) Credentials() Credentials { return f.creds }

func (f *fakeCredentials) OnLogout(cb func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.listeners[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeCredentials) logout() {
	f.mu.Lock()
	cbs := make([]func(), 0, len(f.listeners))
	for _, cb := range f.listeners {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

type commandLog struct {
	mu   sync.Mutex
	cmds []Command
}

func (l *commandLog) Execute(_ context.Context, cmd Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, cmd)
	return nil
}

func (l *commandLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}

type testCore struct {
	*Core
	backend *fakeBackend
	clock   *fakeClock
	dialer  *fakeDialer
	creds   *fakeCredentials
	exec    *commandLog
}

func newTestCore(t *testing.T, streamURL string) *testCore {
	t.Helper()
	backend, srv := newFakeBackend(t)
	tc := &testCore{
		backend: backend,
		clock:   newFakeClock(),
		dialer:  &fakeDialer{},
		creds:   newFakeCredentials(),
		exec:    &commandLog{},
	}
	core, err := New(Config{
		Credentials: tc.creds,
		BaseURL:     srv.URL,
		StreamURL:   streamURL,
		Executor:    tc.exec,
		Intervals: map[SyncDomain]time.Duration{
			DomainContent:     0,
			DomainPrayerTimes: 0,
			DomainEvents:      0,
			DomainHeartbeat:   time.Minute,
		},
		Dialer: tc.dialer,
		Clock:  tc.clock,
	})
	require.NoError(t, err)
	tc.Core = core
	t.Cleanup(core.Close)
	return tc
}

// startOpen starts the core and waits for the push handlers to be attached.
func (tc *testCore) startOpen(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, tc.Start(context.Background()))
	waitStatus(t, tc.Manager, StatusOpen)
	conn := tc.dialer.last()
	require.Eventually(t, func() bool {
		return conn.count(EventEmergencyAlert) == 1 && conn.count(EventRemoteCommand) == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return tc.backend.count(pathPrayerTimes) == 1 && !tc.Sync.DomainStatus(DomainPrayerTimes).IsLoading
	}, time.Second, time.Millisecond)
	return conn
}

const testStreamURL = "wss://push.example.org/ws"

// ============================================================================
// Construction
// ============================================================================

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{BaseURL: "https://api.example.org"})
	assert.Error(t, err)

	_, err = New(Config{Credentials: StaticCredentials(testCreds)})
	assert.Error(t, err)

	c, err := New(Config{Credentials: StaticCredentials(testCreds), BaseURL: "https://api.example.org"})
	require.NoError(t, err)
	assert.NotNil(t, c.HTTPClient())
	assert.Equal(t, StatusDisconnected, c.Manager.Status().Status)
}

// ============================================================================
// Routing
// ============================================================================

func TestCoreRoutesAlerts(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)

	conn.push(TypedFrame{EventType: EventEmergencyAlert, Body: []byte(`{"data":{"id":"a1","title":"Fire drill","message":"Exit calmly","remainingMs":60000}}`)})
	cur := tc.Alerts.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "Fire drill", cur.Title)

	tc.clock.Advance(time.Minute)
	assert.Nil(t, tc.Alerts.Current())
}

func TestCoreRoutesUntypedAlerts(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)
	require.Eventually(t, func() bool { return conn.count(EventEmergencyAlert) == 1 }, time.Second, time.Millisecond)

	conn.push(DecodeFrame("", []byte(`{"type":"EMERGENCY_ALERT","data":{"id":"a2","title":"Road closed","message":"Use the north gate","remainingMs":60000}}`)))
	cur := tc.Alerts.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "a2", cur.ID)
	assert.Equal(t, "Road closed", cur.Title)
}

func TestCoreEmitsOrientation(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	got := make(chan json.RawMessage, 1)
	tc.On(EventOrientationChanged, func(_ string, payload any) { got <- payload.(json.RawMessage) })
	conn := tc.startOpen(t)
	require.Eventually(t, func() bool { return conn.count(EventOrientation) == 1 }, time.Second, time.Millisecond)

	conn.push(TypedFrame{EventType: EventOrientation, Body: []byte(`{"payload":{"orientation":"PORTRAIT"}}`)})
	assert.JSONEq(t, `{"orientation":"PORTRAIT"}`, string(<-got))
}

func TestCoreContentUpdatedTriggersSync(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)
	require.Eventually(t, func() bool { return conn.count(EventContentUpdated) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return tc.backend.count(pathSyncStatus) == 1 && !tc.Sync.DomainStatus(DomainContent).IsLoading
	}, time.Second, time.Millisecond)

	conn.push(TypedFrame{EventType: EventContentUpdated, Body: []byte(`{}`)})
	require.Eventually(t, func() bool { return tc.backend.count(pathSyncStatus) == 2 }, time.Second, time.Millisecond)
}

// ============================================================================
// Acknowledgements
// ============================================================================

func TestCoreAcksOverPushChannel(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)

	conn.push(TypedFrame{EventType: EventRemoteCommand, Body: []byte(`{"commandId":"c1","type":"RELOAD_CONTENT"}`)})
	assert.Equal(t, 1, tc.exec.len())
	require.Equal(t, 1, conn.sentCount())

	conn.mu.Lock()
	env, ok := conn.sent[0].(wsEnvelope)
	conn.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, EventCommandAck, env.Event)
	var ack CommandAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "c1", ack.CommandID)
	assert.True(t, ack.Success)
}

func TestCoreQueuesAckWithoutPush(t *testing.T) {
	tc := newTestCore(t, "")
	require.NoError(t, tc.Start(context.Background()))
	assert.Zero(t, tc.dialer.dialCount())

	ack := tc.Dispatcher.Handle(context.Background(), Command{CommandID: "c1", Type: CommandClearCache})
	assert.True(t, ack.Success)

	require.Eventually(t, func() bool { return !tc.Sync.DomainStatus(DomainContent).IsLoading }, time.Second, time.Millisecond)
	tc.clock.Advance(time.Minute)
	hbs := tc.backend.heartbeatLog()
	require.Len(t, hbs, 1)
	require.Len(t, hbs[0].Acks, 1)
	assert.Equal(t, "c1", hbs[0].Acks[0].CommandID)
}

// ============================================================================
// Push health
// ============================================================================

func TestCoreHeartbeatFollowsPush(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)
	require.Eventually(t, func() bool { return !tc.Sync.HeartbeatEnabled() }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		tc.clock.Advance(20 * time.Second)
		conn.push(TypedFrame{EventType: "PING", Body: []byte(`{}`)})
	}
	assert.Equal(t, StatusOpen, tc.Manager.Status().Status)
	assert.Zero(t, tc.backend.count(pathHeartbeat), "suppressed while push is open")

	conn.fail(errors.New("network down"))
	assert.True(t, tc.Sync.HeartbeatEnabled())

	tc.dialer.setErr(errors.New("still down"))
	tc.clock.Advance(time.Minute)
	assert.Equal(t, 1, tc.backend.count(pathHeartbeat))
}

func TestCoreCatchesUpAfterReconnect(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)
	before := tc.backend.count(pathPrayerTimes)

	conn.fail(errors.New("eof"))
	tc.clock.Advance(time.Second)
	waitStatus(t, tc.Manager, StatusOpen)
	require.Eventually(t, func() bool { return tc.backend.count(pathPrayerTimes) == before+1 }, time.Second, time.Millisecond)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCoreLogoutCleansUp(t *testing.T) {
	tc := newTestCore(t, testStreamURL)
	conn := tc.startOpen(t)
	require.NoError(t, tc.Alerts.SetAlert(context.Background(), Alert{Title: "t", Message: "m"}))

	tc.creds.logout()

	assert.Nil(t, tc.Alerts.Current())
	assert.Equal(t, StatusDisconnected, tc.Manager.Status().Status)
	assert.True(t, conn.isClosed())
	assert.Zero(t, tc.Registry.HandlerCount(EventEmergencyAlert))
	assert.Zero(t, tc.clock.Pending())

	tc.clock.Advance(time.Hour)
	assert.Equal(t, 1, tc.dialer.dialCount())
	assert.Zero(t, tc.backend.count(pathHeartbeat))

	// a fresh login starts cleanly
	require.NoError(t, tc.Start(context.Background()))
	waitStatus(t, tc.Manager, StatusOpen)
	assert.Equal(t, 2, tc.dialer.dialCount())
	assert.Equal(t, 1, tc.Registry.HandlerCount(EventEmergencyAlert))
}

func TestCoreCloseKeepsAlert(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	_, srv := newFakeBackend(t)
	cfg := Config{
		Credentials: StaticCredentials(testCreds),
		BaseURL:     srv.URL,
		Store:       store,
		Clock:       clock,
		Intervals:   map[SyncDomain]time.Duration{DomainHeartbeat: 0},
	}

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Alerts.SetAlert(context.Background(), Alert{ID: "a1", Title: "t", Message: "m"}))
	first.Close()
	assert.ErrorIs(t, first.Start(context.Background()), ErrClosed)

	second, err := New(cfg)
	require.NoError(t, err)
	defer second.Close()
	cur := second.Alerts.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "a1", cur.ID)
}
