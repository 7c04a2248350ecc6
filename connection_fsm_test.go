package displaycore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func effectKinds(effects []connEffect) []connEffectKind {
	out := make([]connEffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.kind
	}
	return out
}

func findEffect(effects []connEffect, kind connEffectKind) (connEffect, bool) {
	for _, e := range effects {
		if e.kind == kind {
			return e, true
		}
	}
	return connEffect{}, false
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoff(t *testing.T) {
	p := AlertChannelPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
		{100, 30 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicies(t *testing.T) {
	alert := AlertChannelPolicy()
	assert.True(t, alert.unlimited())
	assert.Equal(t, 5, alert.FailureWarnThreshold)
	assert.Equal(t, 30*time.Second, alert.HeartbeatTimeout)

	def := DefaultConnectionPolicy()
	assert.False(t, def.unlimited())
	assert.Equal(t, 10, def.MaxAttempts)
	assert.Equal(t, alert.MaxDelay, def.MaxDelay)
}

// ============================================================================
// decide
// ============================================================================

func TestDecideInitialize(t *testing.T) {
	p := AlertChannelPolicy()

	t.Run("dials from disconnected", func(t *testing.T) {
		next, effects := decide(ConnectionState{Status: StatusDisconnected}, connInput{kind: inInitialize}, p)
		assert.Equal(t, StatusConnecting, next.Status)
		assert.Equal(t, []connEffectKind{effCancelRetry, effCloseConn, effDial, effNotify}, effectKinds(effects))
	})

	t.Run("no-op while open or connecting", func(t *testing.T) {
		for _, st := range []ConnectionStatus{StatusOpen, StatusConnecting} {
			s := ConnectionState{Status: st, ReconnectAttempts: 2}
			next, effects := decide(s, connInput{kind: inInitialize}, p)
			assert.Equal(t, s, next)
			assert.Empty(t, effects)
		}
	})
}

func TestDecideReconnectResetsAttachments(t *testing.T) {
	s := ConnectionState{Status: StatusOpen, ReconnectAttempts: 3}
	next, effects := decide(s, connInput{kind: inReconnect}, AlertChannelPolicy())

	assert.Equal(t, StatusConnecting, next.Status)
	assert.Zero(t, next.ReconnectAttempts)
	assert.Equal(t, []connEffectKind{effCloseConn, effCancelRetry, effResetAttachments, effDial, effNotify}, effectKinds(effects))
}

func TestDecideOpened(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := AlertChannelPolicy()

	t.Run("resets counters", func(t *testing.T) {
		s := ConnectionState{Status: StatusConnecting, ReconnectAttempts: 4, ConsecutiveFailures: 7, LastError: "boom"}
		next, effects := decide(s, connInput{kind: inOpened, now: now}, p)

		assert.Equal(t, StatusOpen, next.Status)
		assert.Zero(t, next.ReconnectAttempts)
		assert.Zero(t, next.ConsecutiveFailures)
		assert.Equal(t, now, next.LastEventAt)
		assert.Empty(t, next.LastError)
		assert.Equal(t, []connEffectKind{effAttachHandlers, effNotify}, effectKinds(effects))
	})

	t.Run("late open is closed", func(t *testing.T) {
		s := ConnectionState{Status: StatusDisconnected}
		next, effects := decide(s, connInput{kind: inOpened, now: now}, p)
		assert.Equal(t, StatusDisconnected, next.Status)
		assert.Equal(t, []connEffectKind{effCloseConn}, effectKinds(effects))
	})
}

func TestDecideFailed(t *testing.T) {
	p := AlertChannelPolicy()
	boom := errors.New("boom")

	t.Run("schedules backoff", func(t *testing.T) {
		s := ConnectionState{Status: StatusOpen, ReconnectAttempts: 2}
		next, effects := decide(s, connInput{kind: inFailed, err: boom}, p)

		assert.Equal(t, StatusClosed, next.Status)
		assert.Equal(t, "boom", next.LastError)
		assert.Equal(t, 3, next.ReconnectAttempts)
		assert.Equal(t, 1, next.ConsecutiveFailures)

		retry, ok := findEffect(effects, effScheduleRetry)
		require.True(t, ok)
		assert.Equal(t, 4*time.Second, retry.delay)
		_, ok = findEffect(effects, effResetAttachments)
		assert.True(t, ok)
	})

	t.Run("ignored when already closed", func(t *testing.T) {
		for _, st := range []ConnectionStatus{StatusClosed, StatusDisconnected} {
			s := ConnectionState{Status: st}
			next, effects := decide(s, connInput{kind: inFailed, err: boom}, p)
			assert.Equal(t, s, next)
			assert.Empty(t, effects)
		}
	})

	t.Run("unlimited policy never gives up", func(t *testing.T) {
		s := ConnectionState{Status: StatusConnecting}
		for i := 0; i < 50; i++ {
			var effects []connEffect
			s, effects = decide(s, connInput{kind: inFailed, err: boom}, p)
			_, gaveUp := findEffect(effects, effGiveUp)
			require.False(t, gaveUp, "gave up at failure %d", i+1)
			retry, ok := findEffect(effects, effScheduleRetry)
			require.True(t, ok)
			assert.LessOrEqual(t, retry.delay, p.MaxDelay)
			s, _ = decide(s, connInput{kind: inRetryDue}, p)
		}
		assert.Equal(t, 50, s.ConsecutiveFailures)
	})

	t.Run("capped policy gives up", func(t *testing.T) {
		capped := DefaultConnectionPolicy()
		s := ConnectionState{Status: StatusConnecting, ReconnectAttempts: capped.MaxAttempts}
		_, effects := decide(s, connInput{kind: inFailed, err: boom}, capped)
		_, gaveUp := findEffect(effects, effGiveUp)
		assert.True(t, gaveUp)
		_, retried := findEffect(effects, effScheduleRetry)
		assert.False(t, retried)
	})

	t.Run("warns once when crossing threshold", func(t *testing.T) {
		s := ConnectionState{Status: StatusConnecting}
		warnings := 0
		for i := 0; i < 10; i++ {
			var effects []connEffect
			s, effects = decide(s, connInput{kind: inFailed, err: boom}, p)
			if _, ok := findEffect(effects, effWarnDegraded); ok {
				warnings++
				assert.Equal(t, p.FailureWarnThreshold+1, s.ConsecutiveFailures)
			}
			s, _ = decide(s, connInput{kind: inRetryDue}, p)
		}
		assert.Equal(t, 1, warnings)
	})
}

func TestDecideRetryDue(t *testing.T) {
	p := AlertChannelPolicy()

	next, effects := decide(ConnectionState{Status: StatusClosed}, connInput{kind: inRetryDue}, p)
	assert.Equal(t, StatusConnecting, next.Status)
	assert.Equal(t, []connEffectKind{effDial, effNotify}, effectKinds(effects))

	next, effects = decide(ConnectionState{Status: StatusDisconnected}, connInput{kind: inRetryDue}, p)
	assert.Equal(t, StatusDisconnected, next.Status)
	assert.Empty(t, effects)
}

func TestDecideCleanup(t *testing.T) {
	s := ConnectionState{Status: StatusClosed, ReconnectAttempts: 3, ConsecutiveFailures: 9}
	next, effects := decide(s, connInput{kind: inCleanup}, AlertChannelPolicy())

	assert.Equal(t, StatusDisconnected, next.Status)
	assert.Zero(t, next.ReconnectAttempts)
	assert.Zero(t, next.ConsecutiveFailures)
	assert.Equal(t, []connEffectKind{effCloseConn, effCancelRetry, effResetAttachments, effNotify}, effectKinds(effects))
}
